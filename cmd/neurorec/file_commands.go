package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"neurorec/internal/catalog"
	"neurorec/internal/datafile"
	"neurorec/internal/faults"
	"neurorec/internal/ipc"
	"neurorec/internal/subset"
)

func newFileCommands(ctx *commandContext) []*cobra.Command {
	return []*cobra.Command{
		newSegmentsCommand(ctx),
		newRunsCommand(ctx),
		newVerifyCommand(ctx),
		newInfoCommand(),
		newExportCommand(),
	}
}

func newSegmentsCommand(ctx *commandContext) *cobra.Command {
	var (
		req    ipc.ListSegmentsRequest
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "segments",
		Short: "List catalogued data files",
		RunE: func(cmd *cobra.Command, args []string) error {
			segs, err := listSegments(cmd.Context(), ctx, req)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, segs)
			}
			out := cmd.OutOrStdout()
			if len(segs) == 0 {
				fmt.Fprintln(out, "No segments recorded")
				return nil
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Run", "Stream", "G", "T", "Scans", "Size", "Verified", "Path"},
				segmentRows(segs),
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().StringVar(&req.RunID, "run", "", "Only list segments of this run id")
	cmd.Flags().StringVar(&req.Stream, "stream", "", "Only list segments of this stream")
	cmd.Flags().IntVar(&req.Limit, "limit", 0, "Maximum number of segments to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print segments as JSON")
	return cmd
}

// listSegments asks the daemon when it is reachable and reads the catalog
// directly otherwise.
func listSegments(ctx context.Context, cc *commandContext, req ipc.ListSegmentsRequest) ([]ipc.Segment, error) {
	if client, err := ipc.Dial(cc.socketPath()); err == nil {
		defer client.Close()
		resp, err := client.ListSegments(req)
		if err != nil {
			return nil, err
		}
		return resp.Segments, nil
	}
	var out []ipc.Segment
	err := cc.withCatalog(func(store *catalog.Store) error {
		segs, err := store.ListSegments(ctx, catalog.Filter{RunID: req.RunID, Stream: req.Stream, Limit: req.Limit})
		if err != nil {
			return err
		}
		out = make([]ipc.Segment, 0, len(segs))
		for _, s := range segs {
			out = append(out, ipc.Segment{
				ID: s.ID, RunID: s.RunID, Stream: s.Stream, Label: s.Label, Path: s.Path,
				G: s.Gate, T: s.Trigger, Scans: s.Scans, Bytes: s.Bytes, SHA1: s.SHA1,
				FirstSample: s.FirstSample, SampleRate: s.SampleRate, ClosedAt: s.ClosedAt,
				Error: s.Error, Verified: s.Verified,
			})
		}
		return nil
	})
	return out, err
}

func segmentRows(segs []ipc.Segment) [][]string {
	rows := make([][]string, 0, len(segs))
	for _, s := range segs {
		verified := "-"
		if s.Verified != nil {
			verified = yesNo(*s.Verified)
		}
		runID := s.RunID
		if len(runID) > 8 {
			runID = runID[:8]
		}
		rows = append(rows, []string{
			runID,
			s.Stream,
			strconv.Itoa(s.G),
			strconv.Itoa(s.T),
			formatCount(s.Scans),
			formatBytes(s.Bytes),
			verified,
			s.Path,
		})
	}
	return rows
}

func newRunsCommand(ctx *commandContext) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded sessions from the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withCatalog(func(store *catalog.Store) error {
				runs, err := store.Runs(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, runs)
				}
				out := cmd.OutOrStdout()
				if len(runs) == 0 {
					fmt.Fprintln(out, "No sessions recorded")
					return nil
				}
				rows := make([][]string, 0, len(runs))
				for _, r := range runs {
					ended := "running"
					if !r.EndedAt.IsZero() {
						ended = r.EndedAt.Local().Format(time.DateTime)
					}
					rows = append(rows, []string{
						r.ID, r.Name, r.TriggerMode,
						r.StartedAt.Local().Format(time.DateTime), ended, r.Error,
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"ID", "Name", "Trigger", "Started", "Ended", "Error"},
					rows, nil,
				))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of sessions to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print sessions as JSON")
	return cmd
}

func newVerifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <file.bin>...",
		Short: "Recompute SHA1 digests and compare with the sidecar",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withCatalog(func(store *catalog.Store) error {
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				var failed int
				for _, path := range args {
					bin := datafile.ForceBinSuffix(path)
					ok, err := datafile.VerifySHA1(bin)
					switch {
					case err != nil:
						failed++
						fmt.Fprintln(out, renderStatusLine("Digest", statusError, fmt.Sprintf("%s: %v", bin, err), colorize))
						continue
					case ok:
						fmt.Fprintln(out, renderStatusLine("Digest", statusOK, bin, colorize))
					default:
						failed++
						fmt.Fprintln(out, renderStatusLine("Digest", statusError, bin+": mismatch", colorize))
					}
					if err := store.MarkVerified(cmd.Context(), bin, ok, time.Now()); err != nil && !errors.Is(err, faults.ErrNotFound) {
						return err
					}
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d file(s) failed verification", failed, len(args))
				}
				return nil
			})
		},
	}
}

func newInfoCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:         "info <file.bin>",
		Short:       "Print the shape and sidecar metadata of a data file",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := datafile.OpenForRead(args[0])
			if err != nil {
				return err
			}
			defer f.CloseAndFinalize()

			meta := f.Meta()
			if asJSON {
				values := make(map[string]string, meta.Len())
				for _, key := range meta.Keys() {
					values[key], _ = meta.Get(key)
				}
				return writeJSON(cmd, values)
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			secs := 0.0
			if f.SampleRate() > 0 {
				secs = float64(f.ScanCount()) / f.SampleRate()
			}
			for _, line := range []string{
				renderStatusLine("File", statusInfo, f.BinPath(), colorize),
				renderStatusLine("Scans", statusInfo, formatCount(f.ScanCount()), colorize),
				renderStatusLine("Duration", statusInfo, numbers.Sprintf("%.3f s", secs), colorize),
				renderStatusLine("Sample rate", statusInfo, numbers.Sprintf("%.4f Hz", f.SampleRate()), colorize),
				renderStatusLine("Saved channels", statusInfo, subset.VectorToRangeString(f.ChanIDs()), colorize),
				renderStatusLine("First sample", statusInfo, formatCount(f.FirstSample()), colorize),
			} {
				fmt.Fprintln(out, line)
			}
			rows := make([][]string, 0, meta.Len())
			for _, key := range meta.Keys() {
				value, _ := meta.Get(key)
				rows = append(rows, []string{key, value})
			}
			fmt.Fprintln(out, renderTable([]string{"Key", "Value"}, rows, nil))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print sidecar metadata as JSON")
	return cmd
}

func newExportCommand() *cobra.Command {
	var (
		chans string
		from  uint64
		count uint64
	)
	cmd := &cobra.Command{
		Use:         "export <src.bin> <dst.bin>",
		Short:       "Copy a scan range and channel subset into a new data file",
		Args:        cobra.ExactArgs(2),
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := datafile.OpenForRead(args[0])
			if err != nil {
				return err
			}
			nSaved := src.NSavedChans()
			_, _ = src.CloseAndFinalize()

			idx, err := subset.Resolve(strings.TrimSpace(chans), nSaved)
			if err != nil {
				return fmt.Errorf("channel indices: %w", err)
			}
			dst, err := datafile.Export(args[0], args[1], idx, from, count)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %s scans of %d channel(s) to %s\n",
				formatCount(dst.ScanCount()), dst.NSavedChans(), dst.BinPath())
			return nil
		},
	}
	cmd.Flags().StringVar(&chans, "chans", "all", "Saved-channel indices to keep, as a range string (e.g. 0:63,384)")
	cmd.Flags().Uint64Var(&from, "from", 0, "First scan to export")
	cmd.Flags().Uint64Var(&count, "count", 0, "Number of scans to export (0 exports to the end)")
	return cmd
}
