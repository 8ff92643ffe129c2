package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/taridx/taridx"
)

var cmdExists = &cobra.Command{
	Use:   "exists ARCHIVE NAME",
	Short: "Check whether a member name was ever appended",
	Long: `
The "exists" command checks the index for NAME and prints "true" or
"false".

EXIT STATUS
===========

Exit status is 0 when the member exists, 1 when it does not, and 2 on error.
`,
	Args:              cobra.ExactArgs(2),
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := taridx.Open(args[0], commonOptions()...)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		defer a.Close()

		ok, err := a.Exists(args[1])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		fmt.Fprintln(cmd.OutOrStdout(), ok)
		if !ok {
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	cmdRoot.AddCommand(cmdExists)
}
