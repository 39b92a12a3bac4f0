package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	snowerrors "github.com/rcourtman/snowctl/internal/errors"
	"github.com/rcourtman/snowctl/internal/tools"
)

// maxScriptBytes bounds scripts read from files or stdin.
const maxScriptBytes int64 = 4 << 20

func newRunCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [file|-]",
		Short: "Run a background script",
		Long: `Run a server-side background script and print its gs.print output.
The script is read from the named file, or from stdin when the argument is
omitted or '-'.`,
		Example: `  snow run cleanup.js
  echo "gs.print(gs.getUserName());" | snow run`,
		Args: cobra.MaximumNArgs(1),
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, args []string) error {
			src, err := readScript(cmd, args)
			if err != nil {
				return err
			}
			res, err := a.svc.RunScript(cmd.Context(), tools.RunScriptArgs{Script: src})
			if err != nil {
				return err
			}

			stderr := cmd.ErrOrStderr()
			for _, f := range res.Findings {
				fmt.Fprintf(stderr, "warning: line %d %s (%s)\n", f.Line, f.Description, f.Category)
			}
			out := cmd.OutOrStdout()
			for _, line := range res.Stdout {
				fmt.Fprintln(out, line)
			}
			for _, msg := range res.Messages {
				fmt.Fprintln(stderr, msg)
			}
			if !res.Succeeded {
				return fmt.Errorf("script reported errors; raw output saved to %s", res.DiagnosticPath)
			}
			return nil
		}),
	}
	return cmd
}

func readScript(cmd *cobra.Command, args []string) (string, error) {
	var r io.Reader
	name := "stdin"
	if len(args) == 0 || args[0] == "-" {
		r = cmd.InOrStdin()
	} else {
		name = args[0]
		f, err := os.Open(name)
		if err != nil {
			return "", snowerrors.InvalidInput("run_script", fmt.Errorf("open script: %w", err))
		}
		defer f.Close()
		r = f
	}
	b, err := io.ReadAll(io.LimitReader(r, maxScriptBytes+1))
	if err != nil {
		return "", fmt.Errorf("read script from %s: %w", name, err)
	}
	if int64(len(b)) > maxScriptBytes {
		return "", snowerrors.InvalidInput("run_script", fmt.Errorf("script from %s exceeds %d bytes", name, maxScriptBytes))
	}
	return string(b), nil
}
