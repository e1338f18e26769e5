package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/hitoshi/digijournal/internal/shell"
)

const clearScreen = "\033[H\033[2J"

func newWatchCommand(opts *RootOptions, newClient ClientFactory) *cobra.Command {
	var (
		plain       bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "watch [essays|notes]",
		Short: "Show a feed and keep it up to date",
		Long: `Show a feed and redraw it whenever the server reports a change
(or on every poll interval when JOURNAL_SYNC_MODE=poll). Stop with Ctrl-C.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKindArg(args)
			if err != nil {
				return err
			}
			c, err := newClient(opts, cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx := cmd.Context()
			sh, err := c.startShell(ctx)
			if err != nil {
				return err
			}
			defer sh.Close()

			if metricsAddr != "" {
				stop := serveMetrics(c, metricsAddr)
				defer stop()
			}

			changed := make(chan struct{}, 1)
			unsub := sh.Subscribe(func(shell.View) {
				select {
				case changed <- struct{}{}:
				default:
				}
			})
			defer unsub()

			sh.SelectVariant(kind)

			out := cmd.OutOrStdout()
			for {
				v := sh.View()
				if !plain {
					fmt.Fprint(out, clearScreen)
				}
				fmt.Fprintln(out, renderView(v))
				if v.Route == shell.RouteUnauthenticated {
					return errors.New("session ended")
				}

				select {
				case <-ctx.Done():
					return nil
				case <-changed:
				}
			}
		},
	}
	cmd.Flags().BoolVar(&plain, "plain", false, "append each redraw instead of clearing the screen")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve sync metrics on this address (e.g. 127.0.0.1:9100)")
	return cmd
}

// serveMetrics は同期メトリクスを/metricsで公開し、停止関数を返す。
func serveMetrics(c *Client, addr string) func() {
	r := chi.NewRouter()
	r.Handle("/metrics", c.MetricsHandler())

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.Logger.Error("metrics server failed", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
