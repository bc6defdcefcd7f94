// Package cli provides the command-line interface for studyctx.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/client"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/config"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose      bool
	outputFormat string
	serverURL    string
	userID       string

	cfg         config.Config
	logger      *slog.Logger
	closeLogger func() error
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "studyctx",
	Short: "Conversation context assembly for a study assistant",
	Long: `studyctx builds the prompt context a study assistant sends to its model:
a rolling conversation summary, the most recent turns and an excerpt of the
student's Canvas course material, all fitted into a token budget.

Commands run locally against the environment configuration, or against a
studyctx-server with --server.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}
		if _, err := parseFormat(outputFormat); err != nil {
			return err
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}

		level := cfg.LogLevel
		if verbose {
			level = slog.LevelDebug
		}
		logger, closeLogger = config.SetupLogger(cfg.LogFile, level)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLogger != nil {
			if err := closeLogger(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
		}
	},
}

// remote returns a server client when --server was given.
func remote() (*client.Client, bool) {
	if serverURL == "" {
		return nil, false
	}
	return client.New(serverURL, userID), true
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "o", string(formatText), "output format: text, json or yaml")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "studyctx-server URL; run locally when empty")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "", "user id sent to the server (default $STUDYCTX_USER_ID)")

	rootCmd.AddCommand(prefetchCmd)
	rootCmd.AddCommand(contextCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(configCmd)
}
