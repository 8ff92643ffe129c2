package main

import (
	"time"

	"github.com/spf13/cobra"
)

var cmdRehash = &cobra.Command{
	Use:   "rehash ARCHIVE",
	Short: "Grow the index bucket array",
	Long: `
The "rehash" command rewrites the index with a larger bucket array,
shortening lookup chains. This is the offline growth path; appends never
rehash implicitly. Entries, sequences, and history are preserved.

EXIT STATUS
===========

Exit status is 0 if the command was successful, and non-zero if there was any error.
`,
	Args:              cobra.ExactArgs(1),
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openWritableRetry(args[0], rehashOptions.LockTimeout, commonOptions()...)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Rehash(rehashOptions.Buckets); err != nil {
			return err
		}
		return a.Close()
	},
}

// RehashOptions bundles all options for the rehash command.
type RehashOptions struct {
	Buckets     uint32
	LockTimeout time.Duration
}

var rehashOptions RehashOptions

func init() {
	cmdRoot.AddCommand(cmdRehash)

	f := cmdRehash.Flags()
	f.Uint32Var(&rehashOptions.Buckets, "buckets", 0, "new bucket count (required)")
	f.DurationVar(&rehashOptions.LockTimeout, "lock-timeout", 0, "retry the write lock for this long (0 fails immediately)")
	cmdRehash.MarkFlagRequired("buckets")
}
