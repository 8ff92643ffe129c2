// Command taridx drives indexed tar archives: create, append, read,
// list, and recover. It is a thin harness over the library; the exit
// status is 0 on success and non-zero on any error.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/taridx/taridx"
)

// cmdRoot is the base command when no other command has been specified.
var cmdRoot = &cobra.Command{
	Use:   "taridx",
	Short: "Indexed tar archives with random access by member name",
	Long: `
taridx stores many small named blobs in a single standard tar archive and
keeps a hash index next to it, so members can be read by name without
scanning the archive. The archive stays readable by any tar tool.
`,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,

	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
		os.Exit(0)
	},
}

var globalOptions struct {
	Verbose bool
}

func init() {
	cmdRoot.PersistentFlags().BoolVarP(&globalOptions.Verbose, "verbose", "v", false, "enable debug logging")
}

// commonOptions returns the archive options shared by all commands.
func commonOptions() []taridx.Option {
	var opts []taridx.Option
	if globalOptions.Verbose {
		opts = append(opts, taridx.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))))
	}
	return opts
}

func main() {
	if err := cmdRoot.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
