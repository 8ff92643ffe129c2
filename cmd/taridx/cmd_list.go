package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/taridx/taridx"
)

var cmdList = &cobra.Command{
	Use:   "list ARCHIVE",
	Short: "Export the member listing",
	Long: `
The "list" command writes one member per line: name, size, offset,
comma-separated. By default only the most recent entry per name is
shown; --audit includes every superseded entry as well.

EXIT STATUS
===========

Exit status is 0 if the command was successful, and non-zero if there was any error.
`,
	Args:              cobra.ExactArgs(1),
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := taridx.Open(args[0], commonOptions()...)
		if err != nil {
			return err
		}
		defer a.Close()

		out := os.Stdout
		if listOptions.Output != "" {
			out, err = os.Create(listOptions.Output)
			if err != nil {
				return err
			}
			defer out.Close()
		}

		var exportOpts []taridx.ExportOption
		if listOptions.Audit {
			exportOpts = append(exportOpts, taridx.ExportAudit(true))
		}
		if listOptions.Zstd {
			exportOpts = append(exportOpts, taridx.ExportZstd(true))
		}
		if err := a.ExportListing(out, exportOpts...); err != nil {
			return err
		}
		if listOptions.Output != "" {
			return out.Close()
		}
		return nil
	},
}

// ListOptions bundles all options for the list command.
type ListOptions struct {
	Audit  bool
	Zstd   bool
	Output string
}

var listOptions ListOptions

func init() {
	cmdRoot.AddCommand(cmdList)

	f := cmdList.Flags()
	f.BoolVar(&listOptions.Audit, "audit", false, "include superseded entries")
	f.BoolVar(&listOptions.Zstd, "zstd", false, "compress the listing with zstd")
	f.StringVarP(&listOptions.Output, "output", "o", "", "write the listing to a file instead of stdout")
}
