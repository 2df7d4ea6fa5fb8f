package cli

import (
	"github.com/Laisky/zap"
	"github.com/spf13/cobra"

	"github.com/r9s-ai/reqpool/internal/watch"
)

func newWatchCmd(g *globalOptions) *cobra.Command {
	opts := resolveOptions{}
	cmd := &cobra.Command{
		Use:   "watch NAME...",
		Short: "Resolve names again with a fresh pool whenever the definitions file changes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(g, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			run := func() {
				p, issues, err := rt.loadPool(nil)
				if err != nil {
					rt.logger.Error("load definitions failed", zap.String("path", rt.defsPath), zap.Error(err))
					return
				}
				rt.warnIssues(issues)
				if err := resolveNames(ctx, p, args, opts, rt.styles, out); err != nil {
					rt.logger.Error("resolve failed", zap.Strings("names", args), zap.Error(err))
				}
			}

			run()
			closer, err := watch.File(rt.defsPath, rt.cfg.Debounce(), rt.logger, run)
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()

			<-ctx.Done()
			return nil
		},
	}
	fs := cmd.Flags()
	fs.BoolVar(&opts.url, "url", false, "print the built URL instead of the value")
	fs.BoolVar(&opts.raw, "raw", false, "print values as substituted into URLs (strings unquoted)")
	return cmd
}
