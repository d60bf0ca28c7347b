package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	daemonURL    string
	outputFormat string
	cfgFile      string
	apiToken     string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "wardenctl",
	Short: "CLI for the warden game-server daemon",
	Long:  `wardenctl manages game-server instances on a host running wardend: registering instances, driving their lifecycle, and tailing their consoles.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.warden/config)")
	rootCmd.PersistentFlags().StringVar(&daemonURL, "daemon", "", "daemon API URL (default from config or http://127.0.0.1:8090)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}
		configDir := filepath.Join(home, ".warden")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()
	viper.BindEnv("api_token", "WARDEN_API_TOKEN")
	viper.BindEnv("daemon_url", "WARDEN_DAEMON_URL")

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetString("daemon_url") != "" && daemonURL == "" {
			daemonURL = viper.GetString("daemon_url")
		}
	}

	if apiToken == "" && viper.GetString("api_token") != "" {
		apiToken = viper.GetString("api_token")
	}
	if daemonURL == "" && viper.GetString("daemon_url") != "" {
		daemonURL = viper.GetString("daemon_url")
	}
	if daemonURL == "" {
		daemonURL = "http://127.0.0.1:8090"
	}
}

// GetDaemonURL returns the configured daemon URL with trailing slashes removed
func GetDaemonURL() string {
	return strings.TrimRight(daemonURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// GetAPIToken returns the configured API token
func GetAPIToken() string {
	return apiToken
}

// CreateAuthenticatedRequest creates an HTTP request with the token header if configured
func CreateAuthenticatedRequest(method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	if apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+apiToken)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// doJSON performs the request and decodes the response into out (which may be
// nil for statuses with no body). Non-2xx statuses become errors carrying the
// daemon's error message.
func doJSON(method, url string, body io.Reader, out interface{}) error {
	req, err := CreateAuthenticatedRequest(method, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to daemon API: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("API error (status %d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(data))
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

func printJSON(v interface{}) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(output))
	return nil
}
