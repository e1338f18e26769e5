package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hitoshi/digijournal/internal/model"
	"github.com/hitoshi/digijournal/internal/shell"
)

// parseKindArg は省略可能な種別引数を解決する。省略時はエッセイ。
func parseKindArg(args []string) (model.Kind, error) {
	if len(args) == 0 {
		return model.KindEssay, nil
	}
	return model.ParseKind(args[0])
}

// formError はフォームに表示されるメッセージがあればそれをエラーにする。
func formError(msg string, err error) error {
	if msg != "" {
		return errors.New(msg)
	}
	return err
}

func newListCommand(opts *RootOptions, newClient ClientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "list [essays|notes]",
		Short: "List posts, newest first",
		Args:  cobra.MaximumNArgs(1),
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
			sess, err := c.requireSession(ctx)
			if err != nil {
				return err
			}

			feed := c.NewFeed(kind)
			if err := feed.Start(ctx); err != nil {
				return err
			}
			defer feed.Stop()

			waitCtx, cancel := context.WithTimeout(ctx, c.Config.RequestTimeout)
			defer cancel()
			if err := feed.WaitFirstFetch(waitCtx); err != nil {
				return fmt.Errorf("failed to load %s: %w", kind.Collection(), err)
			}

			snap := feed.Snapshot()
			if opts.Format == "json" {
				posts := snap.Posts
				if posts == nil {
					posts = []model.Post{}
				}
				return writeJSON(cmd.OutOrStdout(), posts)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderFeed(snap, sess.Subject))
			return nil
		},
	}
}

func newPostCommand(opts *RootOptions, newClient ClientFactory) *cobra.Command {
	var draft model.Draft

	cmd := &cobra.Command{
		Use:   "post <essay|note>",
		Short: "Create a post",
		Long: `Create an essay (title and body) or a note (body and optional link).
Use --body - to read the body from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := model.ParseKind(args[0])
			if err != nil {
				return err
			}
			if draft.Body == "-" {
				body, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read body: %w", err)
				}
				draft.Body = strings.TrimRight(string(body), "\n")
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

			sh.SelectVariant(kind)
			sh.OpenCompose()
			post, err := sh.SubmitCompose(ctx, draft)
			if err != nil {
				return formError(sh.View().Compose.Err, err)
			}
			return printPost(cmd.OutOrStdout(), opts, *post, "Created")
		},
	}
	cmd.Flags().StringVar(&draft.Title, "title", "", "essay title")
	cmd.Flags().StringVar(&draft.Body, "body", "", "post body (- reads from stdin)")
	cmd.Flags().StringVar(&draft.Link, "link", "", "note link")
	return cmd
}

func newEditCommand(opts *RootOptions, newClient ClientFactory) *cobra.Command {
	var patch model.Patch

	cmd := &cobra.Command{
		Use:   "edit <essay|note> <id>",
		Short: "Edit one of your posts",
		Long:  "Only the fields given as flags are changed; the others keep their current values.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := model.ParseKind(args[0])
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

			if _, err := c.openFeed(ctx, sh, kind); err != nil {
				return err
			}
			if err := sh.BeginEdit(args[1]); err != nil {
				return err
			}

			values := sh.View().Edit.Values
			flags := cmd.Flags()
			if flags.Changed("title") {
				values.Title = patch.Title
			}
			if flags.Changed("body") {
				values.Body = patch.Body
			}
			if flags.Changed("link") {
				values.Link = patch.Link
			}

			post, err := sh.SubmitEdit(ctx, values)
			if err != nil {
				msg := ""
				if form := sh.View().Edit; form != nil {
					msg = form.Err
				}
				return formError(msg, err)
			}
			return printPost(cmd.OutOrStdout(), opts, *post, "Updated")
		},
	}
	cmd.Flags().StringVar(&patch.Title, "title", "", "new title")
	cmd.Flags().StringVar(&patch.Body, "body", "", "new body")
	cmd.Flags().StringVar(&patch.Link, "link", "", "new link (empty clears it)")
	return cmd
}

func newDeleteCommand(opts *RootOptions, newClient ClientFactory) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <essay|note> <id>",
		Short: "Delete one of your posts",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := model.ParseKind(args[0])
			if err != nil {
				return err
			}
			id := args[1]

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

			v, err := c.openFeed(ctx, sh, kind)
			if err != nil {
				return err
			}
			if !containsPost(v, id) {
				return model.NewPostNotFoundError(id)
			}

			sh.RequestDelete(id)
			if !yes && !confirm(cmd.InOrStdin(), cmd.ErrOrStderr(), "Are you sure you want to delete this post?") {
				sh.CancelDelete()
				fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
				return nil
			}
			if err := sh.ConfirmDelete(ctx); err != nil {
				return formError(sh.View().Notice, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s %s\n", kind, id)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func containsPost(v shell.View, id string) bool {
	for _, p := range v.Feed.Posts {
		if p.ID == id {
			return true
		}
	}
	return false
}

// confirm はy/yesの入力のみを肯定とみなす。
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func printPost(w io.Writer, opts *RootOptions, p model.Post, verb string) error {
	if opts.Format == "json" {
		return writeJSON(w, p)
	}
	_, err := fmt.Fprintf(w, "%s %s %s\n%s\n", verb, p.Kind, p.ID, renderPost(p, true))
	return err
}
