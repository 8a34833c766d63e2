package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"neurorec/internal/ipc"
)

func newSessionCommands(ctx *commandContext) []*cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Start or stop the recording session",
	}
	sessionCmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start acquisition and the configured trigger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.StartRun()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !resp.Started {
					return fmt.Errorf("session not started: %s", resp.Message)
				}
				fmt.Fprintf(out, "Session %s started in %s\n", resp.Run.ID, resp.Run.Dir)
				return nil
			})
		},
	})
	sessionCmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop the session, closing open files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.StopRun()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if resp.Run != nil {
					fmt.Fprintf(out, "Session %s stopped after %d segment(s)\n", resp.Run.ID, resp.Run.Segments)
					if resp.Run.Error != "" {
						fmt.Fprintf(out, "Session error: %s\n", resp.Run.Error)
					}
					return nil
				}
				fmt.Fprintln(out, "Session stopped")
				return nil
			})
		},
	})

	enableCmd := &cobra.Command{
		Use:   "enable",
		Short: "Allow the trigger to open files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.ack(cmd, "Recording enabled", func(c *ipc.Client) error { return c.SetRecordingEnabled(true) })
		},
	}
	disableCmd := &cobra.Command{
		Use:   "disable",
		Short: "Close open files and keep acquiring without recording",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.ack(cmd, "Recording disabled", func(c *ipc.Client) error { return c.SetRecordingEnabled(false) })
		},
	}

	gateCmd := &cobra.Command{
		Use:       "gate high|low",
		Short:     "Drive the remote gate level",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"high", "low"},
		RunE: func(cmd *cobra.Command, args []string) error {
			hi, err := parseLevel(args[0])
			if err != nil {
				return err
			}
			return ctx.ack(cmd, "Gate "+levelName(hi), func(c *ipc.Client) error { return c.SetGate(hi) })
		},
	}
	triggerCmd := &cobra.Command{
		Use:       "trigger high|low",
		Short:     "Drive the remote trigger level",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"high", "low"},
		RunE: func(cmd *cobra.Command, args []string) error {
			hi, err := parseLevel(args[0])
			if err != nil {
				return err
			}
			return ctx.ack(cmd, "Trigger "+levelName(hi), func(c *ipc.Client) error { return c.SetTrigger(hi) })
		},
	}

	nameCmd := &cobra.Command{
		Use:   "next-name <base>",
		Short: "Name the next segment instead of using the run name and counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.ack(cmd, "Next segment will be named "+args[0], func(c *ipc.Client) error { return c.SetNextFileName(args[0]) })
		},
	}

	forceCmd := &cobra.Command{
		Use:   "force-gt <g> <t>",
		Short: "Override the next gate and trigger indices",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("gate index %q: %w", args[0], err)
			}
			t, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("trigger index %q: %w", args[1], err)
			}
			return ctx.ack(cmd, fmt.Sprintf("Next segment is G%d T%d", g, t), func(c *ipc.Client) error { return c.ForceCounters(g, t) })
		},
	}

	metaCmd := &cobra.Command{
		Use:   "meta key=value...",
		Short: "Attach remote metadata to files closed from now on",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kv, err := parseMetadata(args)
			if err != nil {
				return err
			}
			return ctx.ack(cmd, fmt.Sprintf("Stored %d metadata value(s)", len(kv)), func(c *ipc.Client) error { return c.SetMetadata(kv) })
		},
	}

	return []*cobra.Command{sessionCmd, enableCmd, disableCmd, gateCmd, triggerCmd, nameCmd, forceCmd, metaCmd}
}

// ack runs a control call that returns no payload and prints msg on success.
func (c *commandContext) ack(cmd *cobra.Command, msg string, fn func(*ipc.Client) error) error {
	return c.withClient(func(client *ipc.Client) error {
		if err := fn(client); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), msg)
		return nil
	})
}

func parseLevel(arg string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(arg)) {
	case "high", "hi", "1", "on":
		return true, nil
	case "low", "lo", "0", "off":
		return false, nil
	default:
		return false, fmt.Errorf("level %q: expected high or low", arg)
	}
}

func parseMetadata(args []string) (map[string]string, error) {
	kv := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("metadata %q: expected key=value", arg)
		}
		kv[strings.TrimSpace(key)] = value
	}
	return kv, nil
}
