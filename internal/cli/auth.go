package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/hitoshi/digijournal/internal/model"
	"github.com/hitoshi/digijournal/internal/redirect"
	"github.com/hitoshi/digijournal/internal/security"
	"github.com/hitoshi/digijournal/internal/shell"
)

const defaultLoginTimeout = 5 * time.Minute

const signedInPage = `<!doctype html><html><body><p>Signed in. You can close this window and return to the terminal.</p></body></html>`

const signInFailedPage = `<!doctype html><html><body><p>Sign-in failed: %s</p></body></html>`

func newLoginCommand(opts *RootOptions, newClient ClientFactory) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with Google",
		Long: `Open the identity provider's sign-in page and wait for the redirect back
to a local callback address. The session is saved to the token file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(opts, cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			return runLogin(cmd, opts, c, timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", defaultLoginTimeout, "how long to wait for the browser sign-in")
	return cmd
}

func runLogin(cmd *cobra.Command, opts *RootOptions, c *Client, timeout time.Duration) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	sh := c.NewShell()
	sh.Start(ctx, nil)
	defer sh.Close()

	if v := sh.View(); v.Route == shell.RouteAuthenticated {
		return printIdentity(out, opts, v.Session, "Already signed in as")
	}

	ln, err := net.Listen("tcp", c.Config.CallbackAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", c.Config.CallbackAddr, err)
	}
	results := make(chan redirect.Result, 1)
	srv := &http.Server{
		Handler:           callbackHandler(sh, results),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.Logger.Error("callback server failed", slog.String("error", err.Error()))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := sh.SignIn(ctx); err != nil {
		return fmt.Errorf("failed to start sign-in: %w", err)
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "Waiting for sign-in to complete in your browser...")

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var res redirect.Result
	select {
	case res = <-results:
	case <-timer.C:
		return fmt.Errorf("sign-in timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	if res.Outcome != redirect.OutcomeAuthenticated {
		return errors.New(res.Message)
	}

	// プロフィール保存が終わるまでセッションは公開されない
	v, err := waitForView(ctx, sh, c.Config.RequestTimeout, func(v shell.View) bool {
		return v.Route == shell.RouteAuthenticated
	})
	if err != nil {
		return fmt.Errorf("sign-in did not complete: %w", err)
	}
	return printIdentity(out, opts, v.Session, "Signed in as")
}

// callbackHandler はローカルのリダイレクト完了ルートを処理する。
// 完了処理はShellごとに1度だけ行い、以降のリクエストは404を返す。
func callbackHandler(sh *shell.Shell, results chan<- redirect.Result) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		loc := &url.URL{Scheme: "http", Host: r.Host, Path: r.URL.Path, RawQuery: r.URL.RawQuery}

		res := sh.CompleteRedirect(r.Context(), loc)
		if res.Outcome == redirect.OutcomeSkipped {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if res.Outcome == redirect.OutcomeAuthenticated {
			fmt.Fprint(w, signedInPage)
		} else {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprintf(w, signInFailedPage, security.HTMLText(res.Message))
		}

		select {
		case results <- res:
		default:
		}
	})
}

func newLogoutCommand(opts *RootOptions, newClient ClientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and revoke the saved session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(opts, cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx := cmd.Context()
			if _, err := c.requireSession(ctx); err != nil {
				// サーバーに確認できなくても、保存済みのトークンは手元から消す
				if err := c.Identity.EndSession(ctx); err != nil {
					c.Logger.Warn("could not revoke session on server", slog.String("error", err.Error()))
					fmt.Fprintln(cmd.OutOrStdout(), "Signed out locally (the server could not be reached to revoke the session).")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Not signed in.")
				return nil
			}
			c.Sessions.RequestSignOut(ctx)
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
			return nil
		},
	}
}

func newWhoamiCommand(opts *RootOptions, newClient ClientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(opts, cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			sess, err := c.requireSession(cmd.Context())
			if err != nil {
				return err
			}
			return printIdentity(cmd.OutOrStdout(), opts, sess, "Signed in as")
		},
	}
}

func printIdentity(w io.Writer, opts *RootOptions, s *model.Session, prefix string) error {
	if s == nil {
		return errNotSignedIn
	}
	if opts.Format == "json" {
		return writeJSON(w, identityOf(s))
	}
	_, err := fmt.Fprintf(w, "%s %s\n%s\n", prefix, displayName(s), metaStyle.Render("subject: "+s.Subject))
	return err
}
