package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/r9s-ai/reqpool/internal/logx"
	"github.com/r9s-ai/reqpool/pkg/config"
)

type globalOptions struct {
	cfgPath  string
	defsPath string
	sets     []string
	logLevel string
	noColor  bool
}

// Execute runs the reqpool command line and returns the process exit code.
func Execute(ctx context.Context) int {
	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		styles := logx.NewStyles(logx.ColorEnabled(os.Stderr, false))
		_, _ = fmt.Fprintln(os.Stderr, styles.Error.Render("error: ")+err.Error())
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "reqpool",
		Short:         "Resolve named HTTP requests that depend on each other",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	fs := cmd.PersistentFlags()
	fs.StringVarP(&opts.cfgPath, "config", "c", config.DefaultPath, "config yaml path")
	fs.StringVarP(&opts.defsPath, "definitions", "d", "", "request definitions file (overrides definitions.file)")
	fs.StringArrayVar(&opts.sets, "set", nil, "seed a value as name=json (repeatable)")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level: debug|info|warn|error (overrides logging.level)")
	fs.BoolVar(&opts.noColor, "no-color", false, "disable colored output")

	cmd.AddCommand(
		newResolveCmd(opts),
		newValidateCmd(opts),
		newWatchCmd(opts),
		newServeCmd(opts),
		newVersionCmd(),
	)
	return cmd
}
