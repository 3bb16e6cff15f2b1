package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"chatsync/internal/profile"
	"chatsync/internal/prompt"
	"chatsync/pkg/auth"
	"chatsync/pkg/channel"
)

func newPrompter(cmd *cobra.Command) *prompt.Prompter {
	if cmd.InOrStdin() == os.Stdin {
		return prompt.New()
	}
	return prompt.NewWithIO(cmd.InOrStdin(), cmd.OutOrStdout())
}

func newConfigureCmd() *cobra.Command {
	var baseURL, token, userID, peer string
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Save the server address and credential to your profile",
		Long: `Save the server address, bearer token and optional user id used by every
other command. Values not given as flags are prompted for; press enter to
keep the saved value.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := profile.Path()
			if err != nil {
				return err
			}
			prof, err := profile.LoadFromFile(path)
			if err != nil {
				return err
			}
			p := newPrompter(cmd)
			flags := cmd.Flags()

			if flags.Changed("base-url") {
				prof.BaseURL = baseURL
			} else if prof.BaseURL, err = p.Line("Server URL", prof.BaseURL); err != nil {
				return err
			}
			if _, err := channel.HubURL(prof.BaseURL, "/"); err != nil {
				return fmt.Errorf("server url: %w", err)
			}

			if flags.Changed("token") {
				prof.Token = token
			} else if prof.Token, err = p.Secret("Bearer token", prof.Token); err != nil {
				return err
			}

			if flags.Changed("user-id") {
				prof.UserID = userID
			}
			if _, err := auth.FromToken(prof.Token, prof.UserID); err != nil {
				if errors.Is(err, auth.ErrNoToken) {
					return err
				}
				// the token does not say who we are
				if prof.UserID, err = p.Line("User id", prof.UserID); err != nil {
					return err
				}
			}
			if flags.Changed("default-peer") {
				prof.DefaultPeer = peer
			}

			if err := profile.SaveToFile(prof, path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Profile saved to %s (token %s)\n", path, prompt.Mask(prof.Token))
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "", "chat server URL, e.g. https://chat.example.com")
	cmd.Flags().StringVar(&token, "token", "", "bearer token")
	cmd.Flags().StringVar(&userID, "user-id", "", "user id, when the token does not carry one")
	cmd.Flags().StringVar(&peer, "default-peer", "", "conversation opened by tail when no peer is given")
	return cmd
}
