package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taridx/taridx"
)

var cmdLast = &cobra.Command{
	Use:   "last ARCHIVE",
	Short: "Show the most recently appended member",
	Long: `
The "last" command prints the name, size, and offset of the most
recently appended member, in listing line format.

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

		e, ok, err := a.Last()
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("archive is empty")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s,%d,%d\n", e.Name, e.Size, e.Offset)
		return nil
	},
}

func init() {
	cmdRoot.AddCommand(cmdLast)
}
