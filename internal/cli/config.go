package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Print every setting as resolved from the environment, with defaults
applied. Secrets are shown only as set or unset.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings := cfg.Settings()
		return render(os.Stdout, settings, func(w io.Writer) error {
			for _, s := range settings {
				fmt.Fprintf(w, "%-28s %s\n", s.Key, s.Value)
			}
			return nil
		})
	},
}
