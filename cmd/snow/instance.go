package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rcourtman/snowctl/internal/credentials"
	"github.com/rcourtman/snowctl/internal/output"
	"github.com/rcourtman/snowctl/internal/query"
)

func newInstanceCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "instance",
		Aliases: []string{"instances"},
		Short:   "Manage configured instances",
	}
	cmd.AddCommand(
		newInstanceAddCmd(opts),
		newInstanceListCmd(opts),
		newInstanceUseCmd(opts),
		newInstanceRemoveCmd(opts),
		newInstanceInfoCmd(opts),
	)
	return cmd
}

func newInstanceAddCmd(opts *rootOptions) *cobra.Command {
	var (
		user        string
		makeDefault bool
	)
	cmd := &cobra.Command{
		Use:   "add <host>",
		Short: "Add an instance and store its credentials",
		Example: `  snow instance add dev1234.service-now.com --username admin
  echo "$PASS" | snow instance add dev1234.service-now.com --username admin --default`,
		Args: cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, args []string) error {
			var err error
			if user == "" {
				user = opts.user
			}
			if user == "" {
				if user, err = promptLine(cmd, "Username: ", false); err != nil {
					return err
				}
			}
			secret := opts.password
			if secret == "" {
				if secret, err = promptLine(cmd, "Password: ", true); err != nil {
					return err
				}
			}

			res, err := a.instances.Add(args[0], user, secret, makeDefault)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Added %s (credentials: %s)\n", res.Host, res.Storage)
			if res.IsDefault {
				fmt.Fprintf(out, "%s is the default instance\n", res.Host)
			}
			if res.Storage == credentials.MethodFile {
				fmt.Fprintln(cmd.ErrOrStderr(), "No system keyring available; the password is stored in an encrypted file.")
			}
			return nil
		}),
	}
	cmd.Flags().StringVarP(&user, "username", "u", "", "username for the instance")
	cmd.Flags().BoolVar(&makeDefault, "default", false, "make this the default instance")
	return cmd
}

func newInstanceListCmd(opts *rootOptions) *cobra.Command {
	var (
		format   string
		noHeader bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured instances",
		Args:  cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, args []string) error {
			f, err := output.ParseFormat(format)
			if err != nil {
				return err
			}
			list, err := a.instances.List()
			if err != nil {
				return err
			}
			if len(list) == 0 && f == output.FormatTable {
				fmt.Fprintln(cmd.OutOrStdout(), "No instances configured. Add one with 'snow instance add <host>'.")
				return nil
			}
			return output.Render(cmd.OutOrStdout(), summaryRecordSet(list), output.Options{Format: f, NoHeader: noHeader})
		}),
	}
	cmd.Flags().StringVarP(&format, "format", "f", string(output.FormatTable), "output format: table, tsv, csv, json, xml")
	cmd.Flags().BoolVar(&noHeader, "no-header", false, "omit the header row")
	return cmd
}

// summaryRecordSet lays instances out as rows so every text format applies.
func summaryRecordSet(list []credentials.Summary) *query.RecordSet {
	rs := &query.RecordSet{
		Table:   "instance",
		Display: query.DisplayValues,
		Columns: []string{"host", "username", "storage", "default"},
	}
	for _, s := range list {
		rec := query.NewRecord()
		for _, kv := range [][2]string{
			{"host", s.Host},
			{"username", s.Username},
			{"storage", string(s.Storage)},
			{"default", strconv.FormatBool(s.IsDefault)},
		} {
			rec.Set(kv[0], query.Value{Raw: kv[1], Display: kv[1]})
		}
		rs.Records = append(rs.Records, rec)
	}
	return rs
}

func newInstanceUseCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "use <host>",
		Short: "Set the default instance",
		Args:  cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, args []string) error {
			if err := a.instances.Use(args[0]); err != nil {
				return err
			}
			host, err := a.instances.Resolve(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now the default instance\n", host)
			return nil
		}),
	}
}

func newInstanceRemoveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <host>",
		Aliases: []string{"rm"},
		Short:   "Remove an instance, its credentials and its session",
		Args:    cobra.ExactArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, args []string) error {
			host, err := a.instances.Resolve(args[0])
			if err != nil {
				return err
			}
			if err := a.instances.Remove(host); err != nil {
				return err
			}
			a.svc.Sessions().Forget(host)
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", host)
			return nil
		}),
	}
}

func newInstanceInfoCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info [host]",
		Short: "Show an instance's configuration and session state",
		Args:  cobra.MaximumNArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, args []string) error {
			selector := ""
			if len(args) == 1 {
				selector = args[0]
			}
			host, err := a.instances.Resolve(selector)
			if err != nil {
				return err
			}
			info, err := a.instances.Info(host)
			if err != nil {
				return err
			}
			st := a.svc.Sessions().Status(host)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Host:     %s\n", info.Host)
			fmt.Fprintf(out, "Username: %s\n", info.Username)
			fmt.Fprintf(out, "Storage:  %s\n", info.Storage)
			fmt.Fprintf(out, "Default:  %t\n", info.IsDefault)
			fmt.Fprintf(out, "Session:  %s\n", st.State)
			if st.Role != "" {
				fmt.Fprintf(out, "Role:     %s\n", st.Role)
			}
			return nil
		}),
	}
}
