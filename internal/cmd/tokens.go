package cmd

import (
	"fmt"
	"strings"

	"github.com/router-for-me/ReceiptRelay/internal/app"
	"github.com/router-for-me/ReceiptRelay/internal/runtime/executor"
	"github.com/spf13/cobra"
)

func newTokensCmd(root *rootOptions) *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "tokens [text...]",
		Short: "Count the tokens of a prompt",
		Long: `Tokens estimates the prompt size locally. With --remote the count comes
from the upstream countTokens endpoint and uses one credential.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if len(args) == 0 {
				var err error
				if text, err = readInput(cmd, "-"); err != nil {
					return err
				}
			}

			source := "local"
			var n int
			var err error
			if remote {
				source = "remote"
				err = root.withApp(cmd.Context(), func(a *app.App) error {
					var errCount error
					n, errCount = a.Service.CountTokens(cmd.Context(), text)
					return errCount
				})
			} else {
				n, err = executor.EstimateTokens(text)
			}
			if err != nil {
				return err
			}

			if root.jsonOutput {
				return outputJSON(cmd.OutOrStdout(), map[string]any{"tokens": n, "source": source})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", n, root.color(colorDim, "("+source+")"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "Ask the upstream API instead of estimating locally")
	return cmd
}
