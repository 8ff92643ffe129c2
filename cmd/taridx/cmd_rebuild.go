package main

import (
	"github.com/spf13/cobra"

	"github.com/taridx/taridx"
)

var cmdRebuild = &cobra.Command{
	Use:   "rebuild ARCHIVE",
	Short: "Regenerate the index by scanning the archive",
	Long: `
The "rebuild" command scans the tar archive sequentially and writes a
fresh index next to it, replacing any existing index. Use it after index
loss or corruption, or after the archive was truncated below what the
index recorded.

EXIT STATUS
===========

Exit status is 0 if the command was successful, and non-zero if there was any error.
`,
	Args:              cobra.ExactArgs(1),
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := commonOptions()
		if rebuildOptions.Buckets > 0 {
			opts = append(opts, taridx.WithBucketCount(rebuildOptions.Buckets))
		}
		return taridx.Rebuild(args[0], opts...)
	},
}

// RebuildOptions bundles all options for the rebuild command.
type RebuildOptions struct {
	Buckets uint32
}

var rebuildOptions RebuildOptions

func init() {
	cmdRoot.AddCommand(cmdRebuild)

	f := cmdRebuild.Flags()
	f.Uint32Var(&rebuildOptions.Buckets, "buckets", 0, "bucket count for the new index (0 uses the default)")
}
