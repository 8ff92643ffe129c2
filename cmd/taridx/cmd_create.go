package main

import (
	"github.com/spf13/cobra"

	"github.com/taridx/taridx"
)

var cmdCreate = &cobra.Command{
	Use:   "create ARCHIVE",
	Short: "Create a new empty archive/index pair",
	Long: `
The "create" command initializes an empty indexed tar archive: the tar
file itself plus its hash index file (ARCHIVE + ".tidx").

EXIT STATUS
===========

Exit status is 0 if the command was successful, and non-zero if there was any error.
`,
	Args:              cobra.ExactArgs(1),
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := commonOptions()
		if createOptions.Buckets > 0 {
			opts = append(opts, taridx.WithBucketCount(createOptions.Buckets))
		}
		a, err := taridx.Create(args[0], opts...)
		if err != nil {
			return err
		}
		return a.Close()
	},
}

// CreateOptions bundles all options for the create command.
type CreateOptions struct {
	Buckets uint32
}

var createOptions CreateOptions

func init() {
	cmdRoot.AddCommand(cmdCreate)

	f := cmdCreate.Flags()
	f.Uint32Var(&createOptions.Buckets, "buckets", 0, "initial index bucket count (0 uses the default)")
}
