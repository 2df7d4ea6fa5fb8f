package cli

import (
	"context"
	"net/http"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/r9s-ai/reqpool/internal/server"
	"github.com/r9s-ai/reqpool/internal/watch"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(g *globalOptions) *cobra.Command {
	var (
		listen string
		reload bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the pool over HTTP for inspection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(g, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if listen != "" {
				rt.cfg.Server.Listen = listen
			}
			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			p, issues, err := rt.loadPool(reg)
			if err != nil {
				return err
			}
			rt.warnIssues(issues)
			srv := server.New(p, rt.logger)

			if reload {
				closer, err := watch.File(rt.defsPath, rt.cfg.Debounce(), rt.logger, func() {
					np, issues, err := rt.loadPool(reg)
					if err != nil {
						rt.logger.Error("reload definitions failed", zap.String("path", rt.defsPath), zap.Error(err))
						return
					}
					rt.warnIssues(issues)
					srv.Swap(np)
					rt.logger.Info("definitions reloaded",
						zap.String("path", rt.defsPath),
						zap.Int("count", len(np.Names())),
						zap.Int("issues", len(issues)))
				})
				if err != nil {
					return err
				}
				defer func() { _ = closer.Close() }()
			}

			gin.SetMode(gin.ReleaseMode)
			httpSrv := &http.Server{
				Addr:              rt.cfg.Server.Listen,
				Handler:           srv.Router(reg, rt.cfg.Server.MetricsPath),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				errCh <- httpSrv.ListenAndServe()
			}()
			rt.logger.Info("reqpool listening",
				zap.String("addr", rt.cfg.Server.Listen),
				zap.Int("definitions", len(p.Names())))

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return errors.Wrapf(err, "listen %s", rt.cfg.Server.Listen)
			case <-cmd.Context().Done():
				ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return httpSrv.Shutdown(ctx)
			}
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&listen, "listen", "", "listen address (overrides server.listen)")
	fs.BoolVar(&reload, "watch", false, "reload the definitions file when it changes")
	return cmd
}
