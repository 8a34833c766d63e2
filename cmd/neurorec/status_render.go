package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"neurorec/internal/ipc"
	"neurorec/internal/preflight"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 18
	statusIndent     = "  "
)

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	statusText := statusKindLabel(kind)
	if message != "" {
		statusText = fmt.Sprintf("[%s] %s", statusText, message)
	} else {
		statusText = fmt.Sprintf("[%s]", statusText)
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

func renderSectionHeader(title string, colorize bool) []string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return []string{line, rule}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// numbers groups digits in counts shown to operators.
var numbers = message.NewPrinter(language.English)

func formatCount(n uint64) string {
	return numbers.Sprintf("%d", n)
}

func formatBytes(n int64) string {
	const mib = 1 << 20
	if n < mib {
		return numbers.Sprintf("%d B", n)
	}
	return numbers.Sprintf("%.1f MiB", float64(n)/mib)
}

func daemonStatusLines(resp *ipc.StatusResponse, colorize bool) []string {
	if resp == nil {
		return []string{renderStatusLine("Daemon", statusWarn, "Not running (run `neurorec start`)", colorize)}
	}
	return []string{
		renderStatusLine("Daemon", statusOK, fmt.Sprintf("Running (pid %d)", resp.PID), colorize),
		renderStatusLine("Data dir", statusInfo, resp.DataDir, colorize),
		renderStatusLine("Catalog", statusInfo, resp.CatalogPath, colorize),
	}
}

func runStatusLines(rs *ipc.RunStatus, colorize bool) []string {
	if rs == nil {
		return []string{renderStatusLine("Session", statusInfo, "No session", colorize)}
	}
	state := statusOK
	detail := "Running"
	switch {
	case rs.Error != "":
		state, detail = statusError, "Failed: "+rs.Error
	case !rs.Running:
		state, detail = statusInfo, "Ended "+rs.EndedAt.Local().Format("2006-01-02 15:04:05")
	}
	lines := []string{
		renderStatusLine("Session", state, detail, colorize),
		renderStatusLine("Run", statusInfo, fmt.Sprintf("%s (%s)", rs.Name, rs.ID), colorize),
		renderStatusLine("Trigger mode", statusInfo, rs.Mode, colorize),
	}
	if !rs.Running {
		return append(lines, renderStatusLine("Segments", statusInfo, strconv.Itoa(rs.Segments), colorize))
	}

	enabled := statusOK
	if !rs.Enabled {
		enabled = statusWarn
	}
	lines = append(lines,
		renderStatusLine("Recording enabled", enabled, yesNo(rs.Enabled), colorize),
		renderStatusLine("Gate", statusInfo, fmt.Sprintf("%s <G%d T%d>", levelName(rs.GateHigh), rs.G, rs.T), colorize),
	)
	if rs.Line != "" {
		lines = append(lines, renderStatusLine("Status", statusInfo, rs.Line, colorize))
	}
	lines = append(lines, renderStatusLine("Segments", statusInfo, strconv.Itoa(rs.Segments), colorize))
	for _, f := range rs.Files {
		lines = append(lines, renderStatusLine("Writing", statusOK, f, colorize))
	}
	return lines
}

func streamRows(streams []ipc.StreamStatus) [][]string {
	rows := make([][]string, 0, len(streams))
	for _, s := range streams {
		rows = append(rows, []string{
			s.ID,
			numbers.Sprintf("%.2f", s.SampleRate),
			strconv.Itoa(s.Channels),
			formatCount(s.Head),
			formatCount(s.Oldest),
			numbers.Sprintf("%.1f", s.BufferSecs),
			strconv.Itoa(s.SyncEdges),
		})
	}
	return rows
}

func levelName(high bool) string {
	if high {
		return "high"
	}
	return "low"
}

func preflightLines(results []preflight.Result, colorize bool) []string {
	lines := make([]string, 0, len(results))
	for _, r := range results {
		kind := statusOK
		if !r.Passed {
			kind = statusWarn
		}
		lines = append(lines, renderStatusLine(r.Name, kind, r.Detail, colorize))
	}
	return lines
}
