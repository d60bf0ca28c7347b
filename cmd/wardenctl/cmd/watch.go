package cmd

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var watchStats bool

var watchCmd = &cobra.Command{
	Use:   "watch <name>",
	Short: "Tail an instance's console (or stats) over a live stream",
	Long: `Attaches to the named instance and prints its console output as it
happens. With --stats, resource-usage samples are printed instead.

Example:
  wardenctl watch mc-survival
  wardenctl watch mc-survival --stats`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVar(&watchStats, "stats", false, "stream resource usage instead of logs")
}

type watchFrame struct {
	Text  string `json:"text,omitempty"`
	Stats *struct {
		CPUPercent  float64 `json:"cpu_percent"`
		MemoryBytes uint64  `json:"memory_bytes"`
		MemoryLimit uint64  `json:"memory_limit"`
		NetworkRx   uint64  `json:"network_rx"`
		NetworkTx   uint64  `json:"network_tx"`
	} `json:"stats,omitempty"`
}

func runWatch(cmd *cobra.Command, args []string) error {
	name := args[0]
	endpoint := "logs"
	if watchStats {
		endpoint = "stats"
	}

	base := GetDaemonURL()
	wsURL := strings.Replace(base, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL = fmt.Sprintf("%s/api/instances/%s/%s", wsURL, name, endpoint)

	header := http.Header{}
	if token := GetAPIToken(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to attach (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer conn.Close()

	fmt.Printf("Attached to %s (%s). Press Ctrl+C to detach.\n", name, endpoint)

	// Detach cleanly on Ctrl+C.
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	detached := make(chan struct{})
	go func() {
		<-interrupt
		close(detached)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()

	for {
		var frame watchFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			// A plain connection drop after Ctrl+C is a clean detach too.
			select {
			case <-detached:
				return nil
			default:
			}
			return fmt.Errorf("stream ended: %w", err)
		}

		switch {
		case frame.Stats != nil:
			fmt.Printf("cpu=%.1f%% mem=%s/%s rx=%s tx=%s\n",
				frame.Stats.CPUPercent,
				formatBytes(frame.Stats.MemoryBytes),
				formatBytes(frame.Stats.MemoryLimit),
				formatBytes(frame.Stats.NetworkRx),
				formatBytes(frame.Stats.NetworkTx))
		case frame.Text != "":
			fmt.Println(frame.Text)
		}
	}
}

func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(b)/float64(div), "KMGTPE"[exp])
}
