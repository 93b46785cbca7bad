package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/router-for-me/ReceiptRelay/internal/app"
	"github.com/spf13/cobra"
)

func newKeysCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Show the configured credential pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withApp(cmd.Context(), func(a *app.App) error {
				stats := a.Service.KeyStats()
				out := cmd.OutOrStdout()
				if root.jsonOutput {
					return outputJSON(out, stats)
				}
				if stats.Total == 0 {
					fmt.Fprintln(out, root.color(colorYellow, "No API keys configured"))
					return nil
				}
				fmt.Fprintf(out, "%s %d total, %d active, %d disabled\n",
					root.color(colorBold, "Credentials:"), stats.Total, stats.Active, stats.Disabled)
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "#\tKEY\tUSAGE\tERRORS\tSTATE")
				for _, c := range stats.Credentials {
					state := "active"
					if c.Disabled {
						state = "disabled"
					}
					fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\n", c.Index, c.Key, c.Usage, c.Errors, state)
				}
				return tw.Flush()
			})
		},
	}
}
