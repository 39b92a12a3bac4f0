package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcourtman/snowctl/internal/tools"
)

const toolLogout = "snow_logout"

func newLoginCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Log in to an instance and save the session",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, args []string) error {
			st, err := a.svc.Login(cmd.Context(), tools.InstanceArgs{})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in to %s\n", st.Instance)
			return nil
		}),
	}
}

func newElevateCmd(opts *rootOptions) *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "elevate",
		Short: "Elevate the session to a privileged role",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, args []string) error {
			st, err := a.svc.Elevate(cmd.Context(), tools.ElevateArgs{Role: role})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Elevated to %s on %s\n", st.Role, st.Instance)
			return nil
		}),
	}
	cmd.Flags().StringVar(&role, "role", "", "role to elevate to (default from SNOW_ELEVATE_ROLE or security_admin)")
	return cmd
}

func newLogoutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Discard the saved session for an instance",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, args []string) error {
			host, err := a.instances.Resolve("")
			if err != nil {
				return err
			}
			err = a.audit.Wrap(cmd.Context(), toolLogout, host, nil, func(context.Context) error {
				return a.svc.Sessions().Logout(host)
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged out of %s\n", host)
			return nil
		}),
	}
}
