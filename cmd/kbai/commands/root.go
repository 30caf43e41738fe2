// Package commands defines all Cobra CLI commands for the kbai binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/54b3r/kbai-go/internal/audit"
	"github.com/54b3r/kbai-go/internal/config"
	"github.com/54b3r/kbai-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// envFiles holds the --env-file flag values.
var envFiles []string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kbai",
		Short: "kbai: answer questions from your knowledge bases",
		Long: `kbai ingests documents into knowledge bases and answers questions with
retrieval-augmented generation.

A question scoped to one knowledge base is answered from its documents, a
question spanning several knowledge bases is answered from merged results,
and a question with no scope (or whose scope holds nothing relevant) is
answered from the model's general knowledge, optionally with web search.

Configuration comes from environment variables, a .env file, or a YAML
config file (~/.kbai/config.yaml). Environment variables always win.
See 'kbai --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// YAML first so its values win over .env.
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			if err := config.LoadDotEnv(log, envFiles...); err != nil {
				return err
			}

			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.kbai/config.yaml)")
	root.PersistentFlags().StringArrayVar(&envFiles, "env-file", nil, "Path to a .env file (repeatable, default: ./.env)")

	root.AddCommand(
		NewAskCmd(),
		NewIngestCmd(),
		NewDeleteCmd(),
		NewConfigCmd(),
		NewServeCmd(),
		NewVersionCmd(),
	)

	return root
}
