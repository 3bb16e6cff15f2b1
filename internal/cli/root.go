package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"chatsync/internal/app"
	"chatsync/internal/profile"
	"chatsync/pkg/config"
	"chatsync/pkg/gateway"
	"chatsync/pkg/logger"
)

var (
	version = "dev"
	commit  = "unknown"
)

type rootOptions struct {
	configPath string
	verbose    bool

	// set by load
	profile *profile.Profile
	cfg     *config.Config
}

// newRootCmd builds the command tree.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "chatsync",
		Short: "Real-time conversation client for the chat API",
		Long: `chatsync keeps a local view of a conversation in sync with the chat
server: history paging, live push events, presence and unread counts.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose output")
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file path (default is ./chatsync.yaml)")

	root.AddCommand(
		newConfigureCmd(),
		newUsersCmd(opts),
		newHistoryCmd(opts),
		newSendCmd(opts),
		newSearchCmd(opts),
		newLogsCmd(opts),
		newStatusCmd(opts),
		newCacheCmd(opts),
		newTailCmd(opts),
		newWatchCmd(opts),
	)
	return root
}

// Execute runs the CLI. This is called by main.main().
func Execute() {
	err := newRootCmd().Execute()
	logger.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// load resolves the effective configuration: file, saved profile, then
// environment. Logs go to stderr unless CHATSYNC_LOG_SINK says otherwise so
// they never mix with command output.
func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, error) {
	path, err := profile.Path()
	if err != nil {
		return nil, err
	}
	prof, err := profile.LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	o.profile = prof
	flagSet := cmd.Flags().Changed("config")
	cfg, err := config.Load(config.ResolveConfigPath(o.configPath, flagSet), prof.Overlay())
	if err != nil {
		if missing := prof.MissingFields(); len(missing) > 0 {
			return nil, fmt.Errorf("%w (run `chatsync configure` to set %v)", err, missing)
		}
		return nil, err
	}

	level := cfg.Logging.Level
	if o.verbose {
		level = "debug"
	}
	sink := os.Getenv("CHATSYNC_LOG_SINK")
	if sink == "" {
		sink = "stderr"
	}
	logger.InitWithSink(level, sink)
	o.cfg = cfg
	return cfg, nil
}

// withGateway runs fn against a gateway built from the loaded config.
func (o *rootOptions) withGateway(cmd *cobra.Command, fn func(ctx context.Context, gw *gateway.Gateway) error) error {
	cfg, err := o.load(cmd)
	if err != nil {
		return err
	}
	gw, _, err := app.NewGateway(cfg)
	if err != nil {
		return fmt.Errorf("%w (run `chatsync configure`)", err)
	}
	return explain(fn(cmd.Context(), gw))
}

// explain adds a hint to errors the user can act on.
func explain(err error) error {
	if err == nil {
		return nil
	}
	if gateway.IsAuth(err) {
		return fmt.Errorf("%w (credential rejected, run `chatsync configure`)", err)
	}
	return err
}
