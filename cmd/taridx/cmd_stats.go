package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taridx/taridx"
)

var cmdStats = &cobra.Command{
	Use:   "stats ARCHIVE",
	Short: "Show index geometry",
	Long: `
The "stats" command prints index geometry: entry and bucket counts, the
average chain length, the next sequence number, and whether the bucket
array should be grown with "rehash".

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

		s, err := a.Stats()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "entries:        %d\n", s.Entries)
		fmt.Fprintf(out, "buckets:        %d\n", s.Buckets)
		fmt.Fprintf(out, "avg chain len:  %.2f\n", s.AvgChainLen)
		fmt.Fprintf(out, "next sequence:  %d\n", s.NextSequence)
		fmt.Fprintf(out, "data end:       %d\n", s.DataEnd)
		fmt.Fprintf(out, "needs rehash:   %v\n", s.NeedsRehash)
		return nil
	},
}

func init() {
	cmdRoot.AddCommand(cmdStats)
}
