package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"neurorec/internal/config"
	"neurorec/internal/ipc"
	"neurorec/internal/logging"
	"neurorec/internal/logs"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var (
		lines  int
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent daemon log events",
		Long: "Show recent daemon log events. When the daemon is not running the\n" +
			"current log file under paths.log_dir is read instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ipc.Dial(ctx.socketPath())
			if err != nil {
				return tailLogFile(cmd, ctx.configValue(), lines, follow)
			}
			_ = client.Close()
			return ctx.withClient(func(client *ipc.Client) error {
				out := cmd.OutOrStdout()
				resp, err := client.LogTail(ipc.LogTailRequest{Limit: lines})
				if err != nil {
					return err
				}
				for _, evt := range resp.Events {
					fmt.Fprintln(out, formatLogEvent(evt))
				}
				if !follow {
					return nil
				}
				next := resp.Next
				for {
					if err := cmd.Context().Err(); err != nil {
						return nil
					}
					resp, err := client.LogTail(ipc.LogTailRequest{Since: next, Follow: true, WaitMillis: 5000})
					if err != nil {
						return err
					}
					for _, evt := range resp.Events {
						fmt.Fprintln(out, formatLogEvent(evt))
					}
					next = resp.Next
				}
			})
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of recent events to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new events")
	return cmd
}

func tailLogFile(cmd *cobra.Command, cfg *config.Config, lines int, follow bool) error {
	if cfg == nil {
		return errors.New("configuration unavailable")
	}
	out := cmd.OutOrStdout()
	path := logs.CurrentLogPath(cfg.Paths.LogDir)
	recent, offset, err := logs.Last(path, lines)
	if err != nil {
		return err
	}
	printLogLines(out, recent)
	for follow {
		if err := cmd.Context().Err(); err != nil {
			return nil
		}
		var more []string
		more, offset, err = logs.ReadFrom(cmd.Context(), path, offset, 5*time.Second)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		printLogLines(out, more)
	}
	return nil
}

func printLogLines(out io.Writer, lines []string) {
	for _, line := range lines {
		if evt, ok := logs.ParseLine(line); ok {
			fmt.Fprintln(out, formatLogEvent(evt))
			continue
		}
		fmt.Fprintln(out, line)
	}
}

func formatLogEvent(evt logging.LogEvent) string {
	var b strings.Builder
	b.WriteString(evt.Timestamp.Local().Format("15:04:05.000"))
	b.WriteByte(' ')
	fmt.Fprintf(&b, "%-5s ", strings.ToUpper(evt.Level))
	if evt.Component != "" {
		b.WriteString(evt.Component)
		b.WriteString(": ")
	}
	b.WriteString(evt.Message)
	if evt.Stream != "" {
		b.WriteString(" stream=")
		b.WriteString(evt.Stream)
	}
	writeFields(&b, evt.Fields)
	return b.String()
}

func writeFields(w io.StringWriter, fields map[string]string) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		_, _ = w.WriteString(" " + k + "=" + fields[k])
	}
}
