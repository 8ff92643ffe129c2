package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/taridx/taridx"
)

var cmdRead = &cobra.Command{
	Use:   "read ARCHIVE NAME",
	Short: "Read a member's payload to standard output",
	Long: `
The "read" command looks NAME up in the index and writes the most recent
payload for that name to standard output. Superseded members can be read
with --sequence.

EXIT STATUS
===========

Exit status is 0 if the command was successful, and non-zero if there was any error.
`,
	Args:              cobra.RangeArgs(1, 2),
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := commonOptions()
		if readOptions.NoVerify {
			opts = append(opts, taridx.WithVerifyOnRead(false))
		}
		a, err := taridx.Open(args[0], opts...)
		if err != nil {
			return err
		}
		defer a.Close()

		var data []byte
		if readOptions.Sequence >= 0 {
			_, data, err = a.ReadAt(uint64(readOptions.Sequence))
		} else {
			if len(args) < 2 {
				return cmd.Usage()
			}
			data, err = a.Read(args[1])
		}
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

// ReadOptions bundles all options for the read command.
type ReadOptions struct {
	Sequence int64
	NoVerify bool
}

var readOptions ReadOptions

func init() {
	cmdRoot.AddCommand(cmdRead)

	f := cmdRead.Flags()
	f.Int64Var(&readOptions.Sequence, "sequence", -1, "read the member with this sequence number instead of by name")
	f.BoolVar(&readOptions.NoVerify, "no-verify", false, "skip payload digest verification")
}
