package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DockerClient talks to the Docker Engine REST API, normally over the local
// unix socket. Unary calls go through a bounded-timeout HTTP client; log and
// stats streams use a separate client with no global timeout so the request
// context alone governs their lifetime.
type DockerClient struct {
	baseURL string
	unary   *http.Client
	stream  *http.Client

	// dial opens a raw connection for the attach upgrade path.
	dial func(ctx context.Context) (net.Conn, error)
}

const defaultAPIVersion = "v1.41"

// NewDockerClient builds a client for the given endpoint, e.g.
// unix:///var/run/docker.sock or tcp://10.0.0.2:2375.
func NewDockerClient(endpoint, apiVersion string, callTimeout time.Duration) (*DockerClient, error) {
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid engine endpoint %q: %w", endpoint, err)
	}

	var dial func(ctx context.Context) (net.Conn, error)
	var base string
	switch u.Scheme {
	case "unix":
		path := u.Path
		dial = func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		}
		// Host part is a placeholder; the transport dials the socket.
		base = "http://docker/" + apiVersion
	case "tcp", "http":
		host := u.Host
		dial = func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", host)
		}
		base = "http://" + host + "/" + apiVersion
	default:
		return nil, fmt.Errorf("unsupported engine endpoint scheme %q", u.Scheme)
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dial(ctx)
		},
	}

	return &DockerClient{
		baseURL: base,
		unary:   &http.Client{Transport: transport, Timeout: callTimeout},
		stream:  &http.Client{Transport: transport},
		dial:    dial,
	}, nil
}

type dockerMessage struct {
	Message string `json:"message"`
}

// do performs one unary API call and normalizes the response status.
func (c *DockerClient) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.unary.Do(req)
}

// apiError drains the response body and maps the status code. 404 becomes
// ErrNotFound so callers can treat absence as a normal outcome.
func apiError(op string, resp *http.Response) error {
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return &Error{Op: op, Err: ErrNotFound}
	}
	var msg dockerMessage
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &msg) != nil || msg.Message == "" {
		msg.Message = strings.TrimSpace(string(raw))
	}
	return &Error{Op: op, Err: fmt.Errorf("engine returned %d: %s", resp.StatusCode, msg.Message)}
}

type dockerPortBinding struct {
	HostIP   string `json:"HostIp,omitempty"`
	HostPort string `json:"HostPort"`
}

type dockerCreateBody struct {
	Image        string              `json:"Image"`
	Cmd          []string            `json:"Cmd,omitempty"`
	Env          []string            `json:"Env,omitempty"`
	ExposedPorts map[string]struct{} `json:"ExposedPorts,omitempty"`
	HostConfig   dockerHostConfig    `json:"HostConfig"`
}

type dockerHostConfig struct {
	Memory       int64                          `json:"Memory,omitempty"`
	MemorySwap   int64                          `json:"MemorySwap,omitempty"`
	CPUPeriod    int64                          `json:"CpuPeriod,omitempty"`
	CPUQuota     int64                          `json:"CpuQuota,omitempty"`
	BlkioWeight  int64                          `json:"BlkioWeight,omitempty"`
	PortBindings map[string][]dockerPortBinding `json:"PortBindings,omitempty"`
}

// Create instantiates a new container from spec and returns its engine id.
func (c *DockerClient) Create(ctx context.Context, spec CreateSpec) (string, error) {
	body := dockerCreateBody{
		Image: spec.Image,
		Env:   spec.Env,
	}
	if spec.Command != "" {
		body.Cmd = strings.Fields(spec.Command)
	}
	if spec.MemoryLimitMB > 0 {
		body.HostConfig.Memory = spec.MemoryLimitMB * 1024 * 1024
		body.HostConfig.MemorySwap = (spec.MemoryLimitMB + spec.SwapLimitMB) * 1024 * 1024
	}
	if spec.CPULimitPercent > 0 {
		// 100% equals one full core under the default 100ms period.
		body.HostConfig.CPUPeriod = 100000
		body.HostConfig.CPUQuota = spec.CPULimitPercent * 1000
	}
	if spec.IOWeight > 0 {
		body.HostConfig.BlkioWeight = spec.IOWeight
	}
	if len(spec.Bindings) > 0 {
		body.ExposedPorts = make(map[string]struct{}, len(spec.Bindings))
		body.HostConfig.PortBindings = make(map[string][]dockerPortBinding, len(spec.Bindings))
		for _, b := range spec.Bindings {
			key := fmt.Sprintf("%d/%s", b.ContainerPort, b.Protocol)
			body.ExposedPorts[key] = struct{}{}
			body.HostConfig.PortBindings[key] = append(body.HostConfig.PortBindings[key], dockerPortBinding{
				HostIP:   b.HostIP,
				HostPort: fmt.Sprintf("%d", b.HostPort),
			})
		}
	}

	resp, err := c.do(ctx, http.MethodPost, "/containers/create?name="+url.QueryEscape(spec.Name), body)
	if err != nil {
		return "", &Error{Op: "create", Err: err}
	}
	if resp.StatusCode != http.StatusCreated {
		return "", apiError("create", resp)
	}
	defer resp.Body.Close()

	var created struct {
		ID string `json:"Id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", &Error{Op: "create", Err: fmt.Errorf("failed to decode create response: %w", err)}
	}
	return created.ID, nil
}

// Start starts the container. A 304 (already started) is success.
func (c *DockerClient) Start(ctx context.Context, engineID string) error {
	resp, err := c.do(ctx, http.MethodPost, "/containers/"+engineID+"/start", nil)
	if err != nil {
		return &Error{Op: "start", ID: engineID, Err: err}
	}
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotModified {
		resp.Body.Close()
		return nil
	}
	return apiError("start", resp)
}

// Stop asks the engine to stop the container, granting it grace before the
// engine escalates. A 304 (already stopped) is success; 404 is ErrNotFound.
func (c *DockerClient) Stop(ctx context.Context, engineID string, grace time.Duration) error {
	secs := int(grace / time.Second)
	if secs < 0 {
		secs = 0
	}
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/containers/%s/stop?t=%d", engineID, secs), nil)
	if err != nil {
		return &Error{Op: "stop", ID: engineID, Err: err}
	}
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotModified {
		resp.Body.Close()
		return nil
	}
	return apiError("stop", resp)
}

// Kill sends SIGKILL. A 409 (container not running) is success.
func (c *DockerClient) Kill(ctx context.Context, engineID string) error {
	resp, err := c.do(ctx, http.MethodPost, "/containers/"+engineID+"/kill", nil)
	if err != nil {
		return &Error{Op: "kill", ID: engineID, Err: err}
	}
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusConflict {
		resp.Body.Close()
		return nil
	}
	return apiError("kill", resp)
}

// Remove force-deletes the container and its anonymous volumes.
func (c *DockerClient) Remove(ctx context.Context, engineID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/containers/"+engineID+"?force=1&v=1", nil)
	if err != nil {
		return &Error{Op: "remove", ID: engineID, Err: err}
	}
	if resp.StatusCode == http.StatusNoContent {
		resp.Body.Close()
		return nil
	}
	return apiError("remove", resp)
}

// Inspect reads the container's state.
func (c *DockerClient) Inspect(ctx context.Context, engineID string) (State, error) {
	resp, err := c.do(ctx, http.MethodGet, "/containers/"+engineID+"/json", nil)
	if err != nil {
		return State{}, &Error{Op: "inspect", ID: engineID, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return State{}, apiError("inspect", resp)
	}
	defer resp.Body.Close()

	var info struct {
		State struct {
			Running    bool      `json:"Running"`
			ExitCode   int       `json:"ExitCode"`
			StartedAt  time.Time `json:"StartedAt"`
			FinishedAt time.Time `json:"FinishedAt"`
		} `json:"State"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return State{}, &Error{Op: "inspect", ID: engineID, Err: fmt.Errorf("failed to decode inspect response: %w", err)}
	}
	return State{
		Running:    info.State.Running,
		ExitCode:   info.State.ExitCode,
		StartedAt:  info.State.StartedAt,
		FinishedAt: info.State.FinishedAt,
	}, nil
}

// SendCommand writes one line to the container's stdin through a hijacked
// attach connection. The connection lives only for this write.
func (c *DockerClient) SendCommand(ctx context.Context, engineID, command string) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return &Error{Op: "attach", ID: engineID, Err: err}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(10 * time.Second))
	}

	path := c.baseURL + "/containers/" + engineID + "/attach?stdin=1&stream=1"
	req, err := http.NewRequest(http.MethodPost, path, nil)
	if err != nil {
		return &Error{Op: "attach", ID: engineID, Err: err}
	}
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "tcp")

	if err := req.Write(conn); err != nil {
		return &Error{Op: "attach", ID: engineID, Err: err}
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return &Error{Op: "attach", ID: engineID, Err: err}
	}
	switch resp.StatusCode {
	case http.StatusSwitchingProtocols, http.StatusOK:
	case http.StatusNotFound:
		return &Error{Op: "attach", ID: engineID, Err: ErrNotFound}
	default:
		return &Error{Op: "attach", ID: engineID, Err: fmt.Errorf("engine returned %d", resp.StatusCode)}
	}

	if _, err := io.WriteString(conn, command+"\n"); err != nil {
		return &Error{Op: "attach", ID: engineID, Err: err}
	}
	return nil
}

// demuxReader strips the 8-byte stream headers Docker multiplexes stdout and
// stderr with when the container runs without a TTY.
type demuxReader struct {
	r         io.Reader
	remaining int
}

func (d *demuxReader) Read(p []byte) (int, error) {
	for d.remaining == 0 {
		var hdr [8]byte
		if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
			return 0, err
		}
		d.remaining = int(binary.BigEndian.Uint32(hdr[4:8]))
	}
	if len(p) > d.remaining {
		p = p[:d.remaining]
	}
	n, err := d.r.Read(p)
	d.remaining -= n
	return n, err
}

type logSource struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
}

func (s *logSource) Next() (Frame, error) {
	if s.scanner.Scan() {
		return Frame{Text: s.scanner.Text()}, nil
	}
	if err := s.scanner.Err(); err != nil {
		return Frame{}, err
	}
	return Frame{}, io.EOF
}

func (s *logSource) Close() error {
	s.cancel()
	return s.body.Close()
}

// OpenLogStream follows the container's output, starting with the last 100
// lines. The stream ends when the engine ends it; cancelling ctx aborts it.
func (c *DockerClient) OpenLogStream(ctx context.Context, engineID string) (FrameSource, error) {
	ctx, cancel := context.WithCancel(ctx)
	path := c.baseURL + "/containers/" + engineID + "/logs?follow=1&stdout=1&stderr=1&tail=100"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		cancel()
		return nil, &Error{Op: "logs", ID: engineID, Err: err}
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		cancel()
		return nil, &Error{Op: "logs", ID: engineID, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		cancel()
		return nil, apiError("logs", resp)
	}

	scanner := bufio.NewScanner(&demuxReader{r: resp.Body})
	scanner.Buffer(make([]byte, 0, 16*1024), 256*1024)
	return &logSource{body: resp.Body, scanner: scanner, cancel: cancel}, nil
}

type dockerStats struct {
	CPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemUsage uint64 `json:"system_cpu_usage"`
		OnlineCPUs  uint64 `json:"online_cpus"`
	} `json:"cpu_stats"`
	PreCPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemUsage uint64 `json:"system_cpu_usage"`
	} `json:"precpu_stats"`
	MemoryStats struct {
		Usage uint64 `json:"usage"`
		Limit uint64 `json:"limit"`
	} `json:"memory_stats"`
	Networks map[string]struct {
		RxBytes uint64 `json:"rx_bytes"`
		TxBytes uint64 `json:"tx_bytes"`
	} `json:"networks"`
}

func (s *dockerStats) sample() *StatsSample {
	out := &StatsSample{
		MemoryBytes: s.MemoryStats.Usage,
		MemoryLimit: s.MemoryStats.Limit,
	}
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		cpus := float64(s.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = 1
		}
		out.CPUPercent = (cpuDelta / sysDelta) * cpus * 100.0
	}
	for _, n := range s.Networks {
		out.NetworkRx += n.RxBytes
		out.NetworkTx += n.TxBytes
	}
	return out
}

type statsSource struct {
	body    io.ReadCloser
	decoder *json.Decoder
	cancel  context.CancelFunc
}

func (s *statsSource) Next() (Frame, error) {
	var raw dockerStats
	if err := s.decoder.Decode(&raw); err != nil {
		return Frame{}, err
	}
	return Frame{Stats: raw.sample()}, nil
}

func (s *statsSource) Close() error {
	s.cancel()
	return s.body.Close()
}

// OpenStatsStream subscribes to the engine's resource-usage stream. The
// engine ends the stream itself when the container stops, which is how
// metrics sessions end gracefully.
func (c *DockerClient) OpenStatsStream(ctx context.Context, engineID string) (FrameSource, error) {
	ctx, cancel := context.WithCancel(ctx)
	path := c.baseURL + "/containers/" + engineID + "/stats?stream=1"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		cancel()
		return nil, &Error{Op: "stats", ID: engineID, Err: err}
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		cancel()
		return nil, &Error{Op: "stats", ID: engineID, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		cancel()
		return nil, apiError("stats", resp)
	}

	return &statsSource{body: resp.Body, decoder: json.NewDecoder(resp.Body), cancel: cancel}, nil
}
