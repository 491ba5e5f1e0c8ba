package cli

import (
	"os"
	"path/filepath"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"github.com/release-engineering/dockpulp/internal/pulp"
	"github.com/release-engineering/dockpulp/pkg/logger"
)

// NewLoginCommand authenticates and persists the issued credentials under
// ~/.pulp for later invocations.
func NewLoginCommand(a *App) *cobra.Command {
	var user, pass string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store session credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.Client()
			if err != nil {
				return err
			}
			if user == "" {
				if err := survey.AskOne(&survey.Input{Message: "Username:"}, &user, survey.WithValidator(survey.Required)); err != nil {
					return err
				}
			}
			if pass == "" {
				if err := survey.AskOne(&survey.Password{Message: "Password:"}, &pass, survey.WithValidator(survey.Required)); err != nil {
					return err
				}
			}

			session, err := client.Login(cmd.Context(), user, pass)
			if err != nil {
				return err
			}
			a.session = session

			dir, err := pulp.DefaultCredDir()
			if err != nil {
				return err
			}
			if err := session.SaveTo(dir); err != nil {
				return err
			}
			logger.Info("logged in", "server", a.Server, "credentials", dir)
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "username", "u", "", "pulp username")
	cmd.Flags().StringVarP(&pass, "password", "p", "", "pulp password (prompted when omitted)")
	return cmd
}

// NewLogoutCommand removes persisted session credentials.
func NewLogoutCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove stored session credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := pulp.DefaultCredDir()
			if err != nil {
				return err
			}
			for _, name := range []string{pulp.CertFile, pulp.KeyFile} {
				p := filepath.Join(dir, name)
				if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
					return err
				}
			}
			logger.Info("logged out")
			return nil
		},
	}
}
