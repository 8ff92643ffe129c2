package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var cmdAppend = &cobra.Command{
	Use:   "append ARCHIVE NAME [FILE]",
	Short: "Append a member to the archive",
	Long: `
The "append" command adds one member named NAME to the archive. The
payload is read from FILE, or from standard input when FILE is omitted.
Appending an existing name supersedes the earlier member; the old bytes
stay in the archive for auditing.

EXIT STATUS
===========

Exit status is 0 if the command was successful, and non-zero if there was any error.
`,
	Args:              cobra.RangeArgs(2, 3),
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		var data []byte
		var err error
		if len(args) == 3 {
			data, err = os.ReadFile(args[2])
		} else {
			data, err = io.ReadAll(os.Stdin)
		}
		if err != nil {
			return err
		}

		a, err := openWritableRetry(args[0], appendOptions.LockTimeout, commonOptions()...)
		if err != nil {
			return err
		}
		defer a.Close()

		seq, err := a.Append(args[1], data)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), seq)
		return a.Close()
	},
}

// AppendOptions bundles all options for the append command.
type AppendOptions struct {
	LockTimeout time.Duration
}

var appendOptions AppendOptions

func init() {
	cmdRoot.AddCommand(cmdAppend)

	f := cmdAppend.Flags()
	f.DurationVar(&appendOptions.LockTimeout, "lock-timeout", 0, "retry the write lock for this long (0 fails immediately)")
}
