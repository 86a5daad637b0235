// Command nasandbox runs one program under cgroup v2 limits inside a
// namespace-isolated root and prints how it terminated.
package main

import (
	"context"
	"fmt"
	"os"

	appErr "github.com/andr3eee1/na-sandbox/pkg/errors"

	"github.com/spf13/cobra"
)

func main() {
	os.Exit(execute(context.Background(), os.Args[1:]))
}

// execute runs the CLI and maps failures to process exit codes.
func execute(ctx context.Context, args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if hint := appErr.GetError(err).Detail("hint"); hint != "" {
			fmt.Fprintln(os.Stderr, "Hint:", hint)
		}
		return appErr.GetCode(err).ExitCode()
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "nasandbox",
		Short:         "Run a program under hard resource limits in an isolated root",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return appErr.Wrap(err, appErr.InvalidParams).
			WithMessage("invalid command line").
			WithDetail("hint", "see '"+cmd.CommandPath()+" --help'")
	})
	root.AddCommand(newRunCmd())
	return root
}
