package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"capture-orchestrator/internal/auth"

	"github.com/spf13/cobra"
)

func newUserAddCommand(ctx *cliContext) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "useradd <username>",
		Short: "Add a user to the users file",
		Long:  "Add a user to the users file. Without --password the first line of stdin is used.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := password
			if secret == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return errors.New("password required: pass --password or pipe it on stdin")
				}
				secret = strings.TrimRight(line, "\r\n")
			}

			store := auth.NewFileStore(ctx.settings.UsersFile)
			if err := store.AddUser(args[0], secret); err != nil {
				return fmt.Errorf("add user %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added user %s to %s\n", strings.TrimSpace(args[0]), ctx.settings.UsersFile)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "Password for the new user")
	return cmd
}

func newUsersCommand(ctx *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List known usernames",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := auth.NewFileStore(ctx.settings.UsersFile).Usernames()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(names) == 0 {
				fmt.Fprintln(out, "No users")
				return nil
			}
			for _, name := range names {
				fmt.Fprintln(out, name)
			}
			return nil
		},
	}
}
