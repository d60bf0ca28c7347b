package engine

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) (*DockerClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewDockerClient(srv.URL, "v1.41", 5*time.Second)
	if err != nil {
		t.Fatalf("NewDockerClient: %v", err)
	}
	return client, srv
}

// TestCreate_TranslatesPortBindings checks the engine receives exactly the
// host binding the record describes: 10.0.0.5:25565 -> 25565/tcp.
func TestCreate_TranslatesPortBindings(t *testing.T) {
	var got dockerCreateBody
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1.41/containers/create" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("name") != "mc1" {
			t.Errorf("expected name=mc1, got %q", r.URL.Query().Get("name"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"Id": "new-engine-id"})
	}))

	id, err := client.Create(context.Background(), CreateSpec{
		Name:            "mc1",
		Image:           "games/minecraft:1.21",
		MemoryLimitMB:   2048,
		SwapLimitMB:     512,
		CPULimitPercent: 150,
		Bindings: []PortBinding{
			{HostIP: "10.0.0.5", HostPort: 25565, ContainerPort: 25565, Protocol: "tcp"},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id != "new-engine-id" {
		t.Errorf("expected new-engine-id, got %s", id)
	}

	bindings, ok := got.HostConfig.PortBindings["25565/tcp"]
	if !ok || len(bindings) != 1 {
		t.Fatalf("expected one binding for 25565/tcp, got %+v", got.HostConfig.PortBindings)
	}
	if bindings[0].HostIP != "10.0.0.5" || bindings[0].HostPort != "25565" {
		t.Errorf("wrong binding: %+v", bindings[0])
	}
	if _, ok := got.ExposedPorts["25565/tcp"]; !ok {
		t.Error("expected 25565/tcp to be exposed")
	}
	if got.HostConfig.Memory != 2048*1024*1024 {
		t.Errorf("wrong memory limit: %d", got.HostConfig.Memory)
	}
	if got.HostConfig.MemorySwap != (2048+512)*1024*1024 {
		t.Errorf("wrong swap limit: %d", got.HostConfig.MemorySwap)
	}
	if got.HostConfig.CPUQuota != 150000 {
		t.Errorf("wrong cpu quota: %d", got.HostConfig.CPUQuota)
	}
}

func TestStop_NotFoundIsErrNotFound(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"no such container"}`, http.StatusNotFound)
	}))

	err := client.Stop(context.Background(), "gone", 10*time.Second)
	if !IsNotFound(err) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStartAndStop_NotModifiedIsSuccess(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))

	if err := client.Start(context.Background(), "id"); err != nil {
		t.Errorf("already-started should be success, got %v", err)
	}
	if err := client.Stop(context.Background(), "id", time.Second); err != nil {
		t.Errorf("already-stopped should be success, got %v", err)
	}
}

func TestKill_ConflictIsSuccess(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"container is not running"}`, http.StatusConflict)
	}))

	if err := client.Kill(context.Background(), "id"); err != nil {
		t.Errorf("kill on a stopped container should be success, got %v", err)
	}
}

func TestInspect(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1.41/containers/abc/json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		io.WriteString(w, `{"State":{"Running":true,"ExitCode":0}}`)
	}))

	state, err := client.Inspect(context.Background(), "abc")
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if !state.Running {
		t.Error("expected running state")
	}
}

func muxFrame(payload string) []byte {
	hdr := make([]byte, 8)
	hdr[0] = 1 // stdout
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(payload)))
	return append(hdr, payload...)
}

func TestOpenLogStream_DemuxesLines(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(muxFrame("line one\nline "))
		w.Write(muxFrame("two\n"))
	}))

	src, err := client.OpenLogStream(context.Background(), "abc")
	if err != nil {
		t.Fatalf("OpenLogStream: %v", err)
	}
	defer src.Close()

	f1, err := src.Next()
	if err != nil || f1.Text != "line one" {
		t.Fatalf("expected first line, got %q err=%v", f1.Text, err)
	}
	f2, err := src.Next()
	if err != nil || f2.Text != "line two" {
		t.Fatalf("expected line spanning frames, got %q err=%v", f2.Text, err)
	}
	if _, err := src.Next(); err != io.EOF {
		t.Errorf("expected EOF at stream end, got %v", err)
	}
}

func TestOpenStatsStream_DecodesSamples(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sample := map[string]interface{}{
			"cpu_stats": map[string]interface{}{
				"cpu_usage":        map[string]uint64{"total_usage": 2000},
				"system_cpu_usage": 10000,
				"online_cpus":      2,
			},
			"precpu_stats": map[string]interface{}{
				"cpu_usage":        map[string]uint64{"total_usage": 1000},
				"system_cpu_usage": 5000,
			},
			"memory_stats": map[string]uint64{"usage": 512, "limit": 1024},
			"networks": map[string]interface{}{
				"eth0": map[string]uint64{"rx_bytes": 10, "tx_bytes": 20},
			},
		}
		json.NewEncoder(w).Encode(sample)
	}))

	src, err := client.OpenStatsStream(context.Background(), "abc")
	if err != nil {
		t.Fatalf("OpenStatsStream: %v", err)
	}
	defer src.Close()

	f, err := src.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if f.Stats == nil {
		t.Fatal("expected a stats frame")
	}
	if f.Stats.MemoryBytes != 512 || f.Stats.MemoryLimit != 1024 {
		t.Errorf("wrong memory sample: %+v", f.Stats)
	}
	// 1000/5000 of two cpus = 40%
	if f.Stats.CPUPercent < 39.9 || f.Stats.CPUPercent > 40.1 {
		t.Errorf("wrong cpu percent: %f", f.Stats.CPUPercent)
	}
	if f.Stats.NetworkRx != 10 || f.Stats.NetworkTx != 20 {
		t.Errorf("wrong network sample: %+v", f.Stats)
	}
	if _, err := src.Next(); err != io.EOF {
		t.Errorf("expected EOF at stream end, got %v", err)
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrNotFound, false},
		{&Error{Op: "stop", Err: ErrNotFound}, false},
		{io.EOF, true},
		{context.DeadlineExceeded, true},
		{&Error{Op: "create", Err: errors.New("invalid reference format")}, false},
	}
	for _, c := range cases {
		if got := IsTransient(c.err); got != c.want {
			t.Errorf("IsTransient(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
