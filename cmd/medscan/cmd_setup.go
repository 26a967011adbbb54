package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/medscan-diagnosis-server/internal/setup"
)

type setupFlags struct {
	desktopConfig string
	binary        string
	configFile    string
	modelsDir     string
	output        string
}

func newSetupCmd() *cobra.Command {
	flags := &setupFlags{}
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Register the MCP server with Claude Desktop",
	}
	cmd.PersistentFlags().StringVar(&flags.desktopConfig, "desktop-config", "", "Claude Desktop config file (default: platform location)")

	register := &cobra.Command{
		Use:   "claude-desktop",
		Short: "Add or update the medscan entry in the Claude Desktop config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := flags.desktopConfigPath()
			if err != nil {
				return err
			}
			binary := flags.binary
			if binary == "" {
				binary, err = setup.FindBinary(setup.BinaryName)
				if err != nil {
					return err
				}
			}
			entry, err := setup.Register(path, setup.Options{
				BinaryPath: binary,
				ConfigFile: flags.configFile,
				ModelsDir:  flags.modelsDir,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Registered %s in %s\n", setup.ServerName, path)
			fmt.Fprintf(out, "Command: %s\n", entry.Command)
			fmt.Fprintln(out, "Restart Claude Desktop to load the new configuration.")
			return nil
		},
	}
	f := register.Flags()
	f.StringVar(&flags.binary, "binary", "", "Path to the mcp-server binary")
	f.StringVar(&flags.configFile, "server-config", os.Getenv("MEDSCAN_CONFIG"), "medscan config file passed to the server")
	f.StringVar(&flags.modelsDir, "models-dir", "", "Checkpoint directory passed to the server")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the Claude Desktop registration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := flags.desktopConfigPath()
			if err != nil {
				return err
			}
			st, err := setup.GetStatus(path)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), flags.output, st)
		},
	}
	status.Flags().StringVarP(&flags.output, "output", "o", formatYAML, "Output format: json or yaml")

	cmd.AddCommand(register, status)
	return cmd
}

func (f *setupFlags) desktopConfigPath() (string, error) {
	if f.desktopConfig != "" {
		return f.desktopConfig, nil
	}
	return setup.GetClaudeDesktopConfigPath()
}
