package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/router-for-me/ReceiptRelay/internal/extract"
	"github.com/spf13/cobra"
)

func newExtractCmd(root *rootOptions) *cobra.Command {
	var profile, fileName, dateHint string
	cmd := &cobra.Command{
		Use:   "extract <reply-file|->",
		Short: "Normalize a saved model reply into a canonical line",
		Long: `Extract runs the local extraction rules on a model reply read from a
file or stdin. No upstream call is made.`,
		Example: `  receiptctl extract reply.txt
  echo "1x R$50, 3x R$20" | receiptctl extract - --profile cash --filename "11-04 caixa.jpg"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := extract.ParseProfile(profile)
			if err != nil {
				return err
			}
			raw, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			line := extract.Extract(raw, extract.Hints{FileName: fileName, DateHint: dateHint, Profile: p})
			out := cmd.OutOrStdout()
			if root.jsonOutput {
				resp := map[string]any{"line": line}
				if rec, errParse := extract.ParseRecord(line); errParse == nil {
					resp["record"] = rec
				}
				return outputJSON(out, resp)
			}
			if line == extract.FailureMarker {
				fmt.Fprintln(out, root.color(colorRed, line))
				return nil
			}
			fmt.Fprintln(out, line)
			return nil
		},
	}
	cmd.Flags().StringVar(&profile, "profile", "", "Extraction profile (cash, company)")
	cmd.Flags().StringVar(&fileName, "filename", "", "Original document name, used for date hints")
	cmd.Flags().StringVar(&dateHint, "date", "", "Date hint such as 11-04, overrides --filename")
	return cmd
}

func readInput(cmd *cobra.Command, arg string) (string, error) {
	if arg == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(arg)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", arg, err)
	}
	return string(data), nil
}
