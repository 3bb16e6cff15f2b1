package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"chatsync/pkg/auth"
	"chatsync/pkg/gateway"
	"chatsync/pkg/models"
	"chatsync/pkg/store"
)

func newUsersCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List conversations with presence and unread counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withGateway(cmd, func(ctx context.Context, gw *gateway.Gateway) error {
				users, err := gw.Users(ctx)
				if err != nil {
					return err
				}
				renderUsers(cmd.OutOrStdout(), users)
				return nil
			})
		},
	}
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		count  int
		before string
		cached bool
	)
	cmd := &cobra.Command{
		Use:   "history <peer>",
		Short: "Print one page of a conversation, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer := args[0]
			if cached {
				return printCached(cmd, opts, peer)
			}
			req := models.HistoryRequest{PeerID: peer, Count: count}
			if before != "" {
				t, err := time.Parse(time.RFC3339, before)
				if err != nil {
					return fmt.Errorf("--before must be RFC3339: %w", err)
				}
				req.Before = &t
			}
			return opts.withGateway(cmd, func(ctx context.Context, gw *gateway.Gateway) error {
				if req.Count == 0 {
					req.Count = opts.cfg.History.PageSize
				}
				req.Sort = opts.cfg.History.Sort
				page, err := gw.FetchHistory(ctx, req)
				if err != nil {
					return err
				}
				msgs := page.Messages
				sort.Slice(msgs, func(i, j int) bool { return msgs[i].Less(msgs[j]) })
				out := cmd.OutOrStdout()
				renderMessages(out, gw.UserID(), msgs)
				if len(msgs) > 0 && !page.Exhausted() {
					fmt.Fprintf(out, "(more: --before %s)\n", msgs[0].Timestamp.UTC().Format(time.RFC3339))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "page size (default from config)")
	cmd.Flags().StringVar(&before, "before", "", "only messages older than this RFC3339 time")
	cmd.Flags().BoolVar(&cached, "cached", false, "read from the local cache instead of the server")
	return cmd
}

func printCached(cmd *cobra.Command, opts *rootOptions, peer string) error {
	cfg, err := opts.load(cmd)
	if err != nil {
		return err
	}
	c, err := store.Open(cfg.Cache.Path, store.Options{MaxPerPeer: cfg.Cache.MaxMessagesPerPeer})
	if err != nil {
		return err
	}
	defer c.Close()
	msgs, err := c.LoadConversation(peer)
	if err != nil {
		return err
	}
	self := cfg.Credentials.UserID
	if id, err := auth.FromToken(cfg.Credentials.Token, self); err == nil {
		self = id.UserID()
	}
	renderMessages(cmd.OutOrStdout(), self, msgs)
	return nil
}

func newSendCmd(opts *rootOptions) *cobra.Command {
	var attachment string
	cmd := &cobra.Command{
		Use:   "send <peer> <text...>",
		Short: "Send a message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args[1:], " ")
			if strings.TrimSpace(text) == "" && attachment == "" {
				return fmt.Errorf("nothing to send")
			}
			return opts.withGateway(cmd, func(ctx context.Context, gw *gateway.Gateway) error {
				m, err := gw.Send(ctx, args[0], text, attachment)
				if err != nil {
					return err
				}
				renderMessage(cmd.OutOrStdout(), gw.UserID(), m)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&attachment, "attachment", "", "attachment reference, e.g. a GIF url")
	return cmd
}

func newSearchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Search your messages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withGateway(cmd, func(ctx context.Context, gw *gateway.Gateway) error {
				msgs, err := gw.Search(ctx, strings.Join(args, " "))
				if err != nil {
					return err
				}
				sort.Slice(msgs, func(i, j int) bool { return msgs[i].Less(msgs[j]) })
				renderMessages(cmd.OutOrStdout(), gw.UserID(), msgs)
				return nil
			})
		},
	}
}

func newLogsCmd(opts *rootOptions) *cobra.Command {
	var window string
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent server requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := parseWindow(window)
			if err != nil {
				return err
			}
			return opts.withGateway(cmd, func(ctx context.Context, gw *gateway.Gateway) error {
				end := time.Now()
				logs, err := gw.RequestLogs(ctx, end.Add(-d), end)
				if err != nil {
					return err
				}
				renderLogs(cmd.OutOrStdout(), logs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&window, "window", "5m", "time window: 5m, 10m or 30m")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <text...>",
		Short: "Set your status message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withGateway(cmd, func(ctx context.Context, gw *gateway.Gateway) error {
				u, err := gw.UpdateStatusMessage(ctx, strings.Join(args, " "))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "status: %q\n", u.StatusMessage)
				return nil
			})
		},
	}
}

func newCacheCmd(opts *rootOptions) *cobra.Command {
	var forget string
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "List or prune locally cached conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			c, err := store.Open(cfg.Cache.Path, store.Options{MaxPerPeer: cfg.Cache.MaxMessagesPerPeer})
			if err != nil {
				return err
			}
			defer c.Close()
			if forget != "" {
				if err := c.Forget(forget); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "forgot %s\n", forget)
				return nil
			}
			peers, err := c.Peers()
			if err != nil {
				return err
			}
			renderPeers(cmd.OutOrStdout(), peers)
			return nil
		},
	}
	cmd.Flags().StringVar(&forget, "forget", "", "drop the cached conversation with this peer")
	return cmd
}
