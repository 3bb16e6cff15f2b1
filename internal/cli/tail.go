package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"chatsync/internal/app"
	"chatsync/pkg/models"
	"chatsync/pkg/reconcile"
)

const shutdownTimeout = 10 * time.Second

// conversation is the part of the reconciler driven by interactive input.
type conversation interface {
	Send(content, attachment string) (models.Message, error)
	Edit(ctx context.Context, id int64, content string) error
	Delete(ctx context.Context, id int64) error
	LoadOlder() error
	Refresh() error
	Retry(clientKey string) error
	Discard(clientKey string) error
	Snapshot() reconcile.Snapshot
}

// tailConversation routes /refresh through the app so it shares the resync
// schedule's accounting.
type tailConversation struct {
	*reconcile.Reconciler
	resync func() error
}

func (c tailConversation) Refresh() error { return c.resync() }

func newTailCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tail [peer]",
		Short: "Open a conversation and follow it live",
		Long: `Open a conversation, print its newest page and follow new, edited and
deleted messages as they arrive. Input lines are sent as messages; slash
commands act on the conversation:

` + tailHelp,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			peer := opts.profile.DefaultPeer
			if len(args) == 1 {
				peer = args[0]
			}
			if peer == "" {
				return errors.New("no peer given and no default_peer in the profile")
			}
			a, err := app.New(cfg, version)
			if err != nil {
				return err
			}
			ctx, cancel := app.SetupSignalHandler(cmd.Context())
			defer cancel()
			return runTail(ctx, a, peer, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

// runTail follows peer until ctx ends, /quit is entered or the credential is
// rejected. End of input stops reading but keeps following.
func runTail(ctx context.Context, a *app.App, peer string, in io.Reader, out io.Writer) (err error) {
	if err := a.Start(ctx); err != nil {
		_ = shutdown(a)
		return err
	}
	defer func() {
		if serr := shutdown(a); serr != nil && err == nil {
			err = serr
		}
	}()

	rec := a.Reconciler()
	conv := tailConversation{Reconciler: rec, resync: a.Resync}
	changes, release := rec.Changes()
	defer release()
	if _, err := rec.Open(peer); err != nil {
		return err
	}

	view := newTailView(out, a.UserID())
	lines := readLines(ctx, in)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-a.Fatal():
			return explain(err)
		case <-changes:
			view.update(rec.Snapshot())
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			quit, err := dispatch(ctx, conv, out, a.UserID(), line)
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// dispatch applies one line of input. quit is true after /quit.
func dispatch(ctx context.Context, c conversation, out io.Writer, self, line string) (quit bool, err error) {
	cmd, err := parseTailInput(line)
	if errors.Is(err, errEmptyInput) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	switch cmd.action {
	case actSend:
		_, err = c.Send(cmd.text, "")
	case actEdit:
		err = c.Edit(ctx, cmd.id, cmd.text)
	case actDelete:
		err = c.Delete(ctx, cmd.id)
	case actOlder:
		err = c.LoadOlder()
	case actRefresh:
		err = c.Refresh()
	case actRetry:
		err = c.Retry(cmd.key)
	case actDiscard:
		err = c.Discard(cmd.key)
	case actShow:
		renderSnapshot(out, self, c.Snapshot())
	case actHelp:
		fmt.Fprintln(out, tailHelp)
	case actQuit:
		return true, nil
	}
	return false, err
}

func readLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

func shutdown(a *app.App) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.Shutdown(ctx)
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var peer string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stay connected in the background and keep the cache warm",
		Long: `Run the sync client without a prompt: connect the push channel, track
presence and unread counts, optionally follow one conversation into the
local cache, and serve /metrics and /healthz when metrics are enabled.
Stops on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if peer == "" {
				peer = opts.profile.DefaultPeer
			}
			a, err := app.New(cfg, version)
			if err != nil {
				return err
			}
			ctx, cancel := app.SetupSignalHandler(cmd.Context())
			defer cancel()

			if err := a.Start(ctx); err != nil {
				_ = shutdown(a)
				return err
			}
			defer func() {
				if serr := shutdown(a); serr != nil && err == nil {
					err = serr
				}
			}()
			if peer != "" {
				if _, err := a.Reconciler().Open(peer); err != nil {
					return err
				}
			}
			if addr := a.MetricsAddr(); addr != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "metrics on http://%s/metrics\n", addr)
			}
			if err := a.Wait(ctx); err != nil {
				return explain(err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "stopped, %d unread\n", a.Presence().UnreadTotal())
			if n := a.ResyncRuns(); n > 0 {
				fmt.Fprintf(out, "%d resync refreshes\n", n)
			}
			if n := a.Reconciler().Dropped(); n > 0 {
				fmt.Fprintf(out, "%d push events dropped (inbox full)\n", n)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "", "conversation to follow into the cache")
	return cmd
}
