package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/warden-sh/warden/pkg/models"
)

var registerFile string

// instancesCmd represents the instances command
var instancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "Manage game server instances",
	Long:  `Commands for listing, registering and inspecting game server instances on the daemon.`,
}

var instancesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all managed instances",
	RunE:  runInstancesList,
}

var instancesDescribeCmd = &cobra.Command{
	Use:   "describe <name>",
	Short: "Get detailed information about an instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstancesDescribe,
}

var instancesRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a new instance from a YAML manifest",
	Long: `Registers a new instance on the daemon. The manifest describes the image,
ports, resource limits and stop command; the container itself is created on
first start.

Example manifest:

  name: mc-survival
  image: games/minecraft:1.21
  stop_command: stop
  port_mappings:
    - host_ip: 0.0.0.0
      host_port: 25565
      container_port: 25565
      protocol: tcp
      primary: true
  resources:
    memory_limit_mb: 4096
    cpu_limit_percent: 200`,
	RunE: runInstancesRegister,
}

var instancesDestroyCmd = &cobra.Command{
	Use:   "destroy <name>",
	Short: "Stop and remove an instance and its record",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstancesDestroy,
}

var instancesHistoryCmd = &cobra.Command{
	Use:   "history <name>",
	Short: "Show recent status transitions for an instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstancesHistory,
}

func init() {
	rootCmd.AddCommand(instancesCmd)
	instancesCmd.AddCommand(instancesListCmd)
	instancesCmd.AddCommand(instancesDescribeCmd)
	instancesCmd.AddCommand(instancesRegisterCmd)
	instancesCmd.AddCommand(instancesDestroyCmd)
	instancesCmd.AddCommand(instancesHistoryCmd)

	instancesRegisterCmd.Flags().StringVarP(&registerFile, "file", "f", "", "YAML manifest file (required)")
	instancesRegisterCmd.MarkFlagRequired("file")
}

func runInstancesList(cmd *cobra.Command, args []string) error {
	var instances []models.ManagedInstance
	if err := doJSON("GET", fmt.Sprintf("%s/api/instances", GetDaemonURL()), nil, &instances); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(instances)
	}

	if len(instances) == 0 {
		fmt.Println("No instances registered")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Name", "Status", "Image", "Primary Port", "Engine ID")

	for _, inst := range instances {
		port := "-"
		if pm, ok := inst.PrimaryMapping(); ok {
			port = fmt.Sprintf("%s:%d/%s", pm.HostIP, pm.HostPort, pm.Protocol)
		}
		engineID := inst.EngineID
		if engineID == "" {
			engineID = "-"
		} else if len(engineID) > 12 {
			engineID = engineID[:12]
		}
		table.Append(inst.Name, string(inst.Status), inst.Image, port, engineID)
	}

	table.Render()
	fmt.Printf("\nTotal instances: %d\n", len(instances))
	return nil
}

func runInstancesDescribe(cmd *cobra.Command, args []string) error {
	var inst models.ManagedInstance
	if err := doJSON("GET", fmt.Sprintf("%s/api/instances/%s", GetDaemonURL(), args[0]), nil, &inst); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(inst)
	}

	fmt.Printf("Name:          %s\n", inst.Name)
	fmt.Printf("Status:        %s\n", inst.Status)
	fmt.Printf("Image:         %s\n", inst.Image)
	if inst.StartupCommand != "" {
		fmt.Printf("Startup:       %s\n", inst.StartupCommand)
	}
	if inst.StopCommand != "" {
		fmt.Printf("Stop command:  %s\n", inst.StopCommand)
	}
	if inst.EngineID != "" {
		fmt.Printf("Engine ID:     %s\n", inst.EngineID)
	}
	if inst.Resources.MemoryLimitMB > 0 {
		fmt.Printf("Memory limit:  %d MB\n", inst.Resources.MemoryLimitMB)
	}
	if inst.Resources.CPULimitPercent > 0 {
		fmt.Printf("CPU limit:     %d%%\n", inst.Resources.CPULimitPercent)
	}
	if len(inst.PortMappings) > 0 {
		fmt.Println("Ports:")
		for _, pm := range inst.PortMappings {
			marker := ""
			if pm.Primary {
				marker = " (primary)"
			}
			fmt.Printf("  %s:%d -> %d/%s%s\n", pm.HostIP, pm.HostPort, pm.ContainerPort, pm.Protocol, marker)
		}
	}
	fmt.Printf("Created:       %s\n", inst.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:       %s\n", inst.UpdatedAt.Format(time.RFC3339))
	return nil
}

func runInstancesRegister(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(registerFile)
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}

	var inst models.ManagedInstance
	if err := yaml.Unmarshal(data, &inst); err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}

	body, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to encode instance: %w", err)
	}

	var created models.ManagedInstance
	if err := doJSON("POST", fmt.Sprintf("%s/api/instances", GetDaemonURL()), bytes.NewReader(body), &created); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(created)
	}
	fmt.Printf("Instance %s registered (status: %s)\n", created.Name, created.Status)
	return nil
}

func runInstancesDestroy(cmd *cobra.Command, args []string) error {
	if err := doJSON("DELETE", fmt.Sprintf("%s/api/instances/%s", GetDaemonURL(), args[0]), nil, nil); err != nil {
		return err
	}
	fmt.Printf("Instance %s destroyed\n", args[0])
	return nil
}

type transition struct {
	ID         int64     `json:"id"`
	Instance   string    `json:"instance"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

func runInstancesHistory(cmd *cobra.Command, args []string) error {
	var transitions []transition
	if err := doJSON("GET", fmt.Sprintf("%s/api/instances/%s/history", GetDaemonURL(), args[0]), nil, &transitions); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(transitions)
	}

	if len(transitions) == 0 {
		fmt.Println("No recorded transitions")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("When", "From", "To", "Reason")
	for _, tr := range transitions {
		table.Append(tr.OccurredAt.Local().Format("2006-01-02 15:04:05"), tr.From, tr.To, tr.Reason)
	}
	table.Render()
	return nil
}
