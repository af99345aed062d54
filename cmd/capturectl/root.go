package main

import (
	"errors"
	"io/fs"

	"capture-orchestrator/internal/platform/config"

	"github.com/spf13/cobra"
)

// cliContext carries the resolved settings shared by every subcommand.
type cliContext struct {
	envFile     string
	usersFile   string
	journalPath string
	settings    config.Settings
}

func (c *cliContext) load() error {
	if err := config.Load(c.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	c.settings = config.FromEnv()
	if c.usersFile != "" {
		c.settings.UsersFile = c.usersFile
	}
	if c.journalPath != "" {
		c.settings.JournalPath = c.journalPath
	}
	return nil
}

func newRootCommand() *cobra.Command {
	ctx := &cliContext{}

	rootCmd := &cobra.Command{
		Use:           "capturectl",
		Short:         "Administer capture users and inspect recorded sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return ctx.load()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&ctx.envFile, "env", ".env", "Path to a .env file")
	rootCmd.PersistentFlags().StringVar(&ctx.usersFile, "users-file", "", "Users file (overrides USERS_FILE)")
	rootCmd.PersistentFlags().StringVar(&ctx.journalPath, "journal", "", "Session journal database (overrides JOURNAL_PATH)")

	rootCmd.AddCommand(newUserAddCommand(ctx))
	rootCmd.AddCommand(newUsersCommand(ctx))
	rootCmd.AddCommand(newSessionsCommand(ctx))
	rootCmd.AddCommand(newSessionCommand(ctx))

	return rootCmd
}
