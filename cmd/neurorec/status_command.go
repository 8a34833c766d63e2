package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"neurorec/internal/ipc"
	"neurorec/internal/preflight"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, session and stream status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp *ipc.StatusResponse
			if client, err := ipc.Dial(ctx.socketPath()); err == nil {
				resp, err = client.Status()
				_ = client.Close()
				if err != nil {
					return err
				}
			}
			if asJSON {
				return writeJSON(cmd, resp)
			}

			stdout := cmd.OutOrStdout()
			colorize := shouldColorize(stdout)

			for _, line := range renderSectionHeader("Daemon", colorize) {
				fmt.Fprintln(stdout, line)
			}
			for _, line := range daemonStatusLines(resp, colorize) {
				fmt.Fprintln(stdout, line)
			}
			if resp != nil {
				printSessionStatus(stdout, resp, colorize)
			}

			fmt.Fprintln(stdout)
			for _, line := range renderSectionHeader("Preflight", colorize) {
				fmt.Fprintln(stdout, line)
			}
			for _, line := range preflightLines(preflight.RunAll(cmd.Context(), ctx.configValue()), colorize) {
				fmt.Fprintln(stdout, line)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw status as JSON")
	return cmd
}

func printSessionStatus(stdout io.Writer, resp *ipc.StatusResponse, colorize bool) {
	rs := resp.Run
	if rs == nil {
		rs = resp.LastRun
	}
	fmt.Fprintln(stdout)
	for _, line := range renderSectionHeader("Session", colorize) {
		fmt.Fprintln(stdout, line)
	}
	for _, line := range runStatusLines(rs, colorize) {
		fmt.Fprintln(stdout, line)
	}
	if rs == nil || !rs.Running || len(rs.Streams) == 0 {
		return
	}

	fmt.Fprintln(stdout)
	for _, line := range renderSectionHeader("Streams", colorize) {
		fmt.Fprintln(stdout, line)
	}
	table := renderTable(
		[]string{"Stream", "Rate (Hz)", "Chans", "Head", "Oldest", "Buffer (s)", "Sync edges"},
		streamRows(rs.Streams),
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight},
	)
	fmt.Fprintln(stdout, table)
}
