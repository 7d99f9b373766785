package main

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	echoapi "github.com/trezcool/unihub/apps/api/echo"
	"github.com/trezcool/unihub/core"
	"github.com/trezcool/unihub/core/portal"
)

// addProfile updates or creates a portal.Profile
func (cli *commandLine) addProfile(ctx context.Context, p portal.Profile) (portal.Profile, error) {
	svc, err := cli.service()
	if err != nil {
		return portal.Profile{}, err
	}
	if p.ID != "" {
		old, err := svc.Profile(ctx, p.ID)
		switch {
		case err == nil:
			p.CreatedAt = old.CreatedAt
			if p.Role == "" {
				p.Role = old.Role
			}
		case !portal.IsNotFound(err):
			return portal.Profile{}, errors.Wrap(err, "getting profile")
		}
	}
	if p.Role == "" {
		p.Role = portal.RoleStudent
	}
	return svc.SaveProfile(ctx, p)
}

func (cli *commandLine) addProfileCmd() *cobra.Command {
	var p portal.Profile
	cmd := &cobra.Command{
		Use:   "addprofile",
		Short: "Create or update a user profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			saved, err := cli.addProfile(cmd.Context(), p)
			if err != nil {
				return err
			}
			cmd.Printf("profile %s (%s) saved\n", saved.ID, saved.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&p.ID, "id", "", "The user id (as issued by the identity provider). Generated when empty.")
	cmd.Flags().StringVar(&p.Name, "name", "", "The display name")
	cmd.Flags().StringVar(&p.Email, "email", "", "The email address")
	cmd.Flags().StringVar(&p.Role, "role", "", "student, academic or nonacademic (default student)")
	cmd.Flags().StringVar(&p.AvatarURL, "avatar", "", "The avatar URL")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// addChannel creates a channel on behalf of creatorID, who joins it.
func (cli *commandLine) addChannel(ctx context.Context, creatorID string, nc portal.NewChannel) (portal.Channel, error) {
	svc, err := cli.service()
	if err != nil {
		return portal.Channel{}, err
	}
	creator, err := svc.Profile(ctx, creatorID)
	if err != nil {
		return portal.Channel{}, errors.Wrap(err, "getting creator")
	}

	translator := core.NewTranslator()
	validate := core.NewValidator(translator)
	portal.InitValidators(validate, translator)
	if err = nc.Validate(validate); err != nil {
		return portal.Channel{}, err
	}

	sess := portal.Session{UserID: creator.ID, Name: creator.Name, Role: creator.Role}
	return svc.CreateChannel(ctx, sess, nc)
}

func (cli *commandLine) addChannelCmd() *cobra.Command {
	var (
		creator string
		nc      portal.NewChannel
	)
	cmd := &cobra.Command{
		Use:   "addchannel",
		Short: "Create a channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ch, err := cli.addChannel(cmd.Context(), creator, nc)
			if err != nil {
				return err
			}
			cmd.Printf("channel %s (%s) created\n", ch.ID, ch.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&creator, "creator", "", "The id of the creating user's profile")
	cmd.Flags().StringVar(&nc.Name, "name", "", "The channel name")
	cmd.Flags().StringVar(&nc.Description, "description", "", "The channel description")
	cmd.Flags().StringVar(&nc.Type, "type", portal.ChannelInterest, "year, course, department or interest")
	_ = cmd.MarkFlagRequired("creator")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// token signs a session token for the userID profile.
func (cli *commandLine) token(ctx context.Context, userID string) (string, error) {
	repo, err := cli.repository()
	if err != nil {
		return "", err
	}
	p, err := repo.GetProfile(ctx, userID)
	if err != nil {
		return "", errors.Wrap(err, "getting profile")
	}
	return echoapi.GenerateToken(echoapi.NewClaims(p, cli.conf), cli.conf)
}

func (cli *commandLine) tokenCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "token",
		Short: fmt.Sprintf("Sign a session token for a profile (for development; export it as $%s)", tokenEnv),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := cli.token(cmd.Context(), userID)
			if err != nil {
				return err
			}
			cmd.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "The profile id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
