package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/warden-sh/warden/pkg/models"
)

var stopForce bool

var startCmd = &cobra.Command{
	Use:   "start <name>",
	Short: "Start an instance",
	Long:  `Starts the named instance. If the container is missing or stale it is recreated from the instance's current configuration first.`,
	Args:  cobra.ExactArgs(1),
	RunE:  lifecycleRun("start"),
}

var stopCmd = &cobra.Command{
	Use:   "stop <name>",
	Short: "Stop an instance gracefully",
	Long:  `Stops the named instance. The configured stop command is delivered first and the instance gets its grace period before a forced stop. Use --force to skip the grace period.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url := fmt.Sprintf("%s/api/instances/%s/stop", GetDaemonURL(), args[0])
		if stopForce {
			url += "?force=true"
		}
		return runLifecycleOp(url, args[0], "stop")
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart <name>",
	Short: "Restart an instance",
	Args:  cobra.ExactArgs(1),
	RunE:  lifecycleRun("restart"),
}

var killCmd = &cobra.Command{
	Use:   "kill <name>",
	Short: "Kill an instance immediately",
	Long:  `Forcibly stops the named instance with no grace period. Unsaved world state may be lost; prefer stop for routine shutdowns.`,
	Args:  cobra.ExactArgs(1),
	RunE:  lifecycleRun("kill"),
}

var recreateCmd = &cobra.Command{
	Use:   "recreate <name>",
	Short: "Rebuild an instance's container from its current configuration",
	Long:  `Removes the instance's container and creates a fresh one from the record's image, ports and resource limits. The instance is left stopped.`,
	Args:  cobra.ExactArgs(1),
	RunE:  lifecycleRun("recreate"),
}

var commandCmd = &cobra.Command{
	Use:   "command <name> <command...>",
	Short: "Send a console command to a running instance",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runCommand,
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(killCmd)
	rootCmd.AddCommand(recreateCmd)
	rootCmd.AddCommand(commandCmd)

	stopCmd.Flags().BoolVar(&stopForce, "force", false, "skip the grace period and kill the instance")
}

func lifecycleRun(op string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		url := fmt.Sprintf("%s/api/instances/%s/%s", GetDaemonURL(), args[0], op)
		return runLifecycleOp(url, args[0], op)
	}
}

func runLifecycleOp(url, name, op string) error {
	var inst models.ManagedInstance
	if err := doJSON("POST", url, nil, &inst); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(inst)
	}
	fmt.Printf("%s %s: status is now %s\n", op, name, inst.Status)
	return nil
}

func runCommand(cmd *cobra.Command, args []string) error {
	name := args[0]
	command := strings.Join(args[1:], " ")

	body, err := json.Marshal(map[string]string{"command": command})
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}

	url := fmt.Sprintf("%s/api/instances/%s/command", GetDaemonURL(), name)
	if err := doJSON("POST", url, bytes.NewReader(body), nil); err != nil {
		return err
	}
	fmt.Printf("Command sent to %s\n", name)
	return nil
}
