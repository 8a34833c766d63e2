package datafile

import (
	"fmt"
	"path/filepath"
	"strings"
)

// LabelNIDQ is the file label of the generic acquisition device.
const LabelNIDQ = "nidq"

const (
	binSuffix  = ".bin"
	metaSuffix = ".meta"
)

// APLabel returns the action-potential label of probe ip.
func APLabel(ip int) string { return fmt.Sprintf("imec%d.ap", ip) }

// LFLabel returns the local-field label of probe ip.
func LFLabel(ip int) string { return fmt.Sprintf("imec%d.lf", ip) }

// SegmentPath builds {runDir}/{runName}_g{g}_t{t}.{label}.bin.
func SegmentPath(runDir, runName string, g, t int, label string) string {
	return filepath.Join(runDir, fmt.Sprintf("%s_g%d_t%d.%s%s", runName, g, t, label, binSuffix))
}

// NamedPath builds {runDir}/{base}.{label}.bin for an operator supplied
// base name.
func NamedPath(runDir, base, label string) string {
	return filepath.Join(runDir, fmt.Sprintf("%s.%s%s", base, label, binSuffix))
}

// ForceBinSuffix replaces a .meta suffix, or appends .bin when absent.
func ForceBinSuffix(path string) string {
	switch {
	case strings.HasSuffix(path, binSuffix):
		return path
	case strings.HasSuffix(path, metaSuffix):
		return strings.TrimSuffix(path, metaSuffix) + binSuffix
	default:
		return path + binSuffix
	}
}

// StreamOfPath returns the stream a segment file belongs to, taken from
// its label: "imec0" for *.imec0.ap.bin, "nidq" for *.nidq.bin. It returns
// "" when the name carries no label.
func StreamOfPath(path string) string {
	parts := strings.Split(strings.TrimSuffix(filepath.Base(ForceBinSuffix(path)), binSuffix), ".")
	n := len(parts)
	switch {
	case n >= 2 && parts[n-1] == LabelNIDQ:
		return LabelNIDQ
	case n >= 3 && (parts[n-1] == "ap" || parts[n-1] == "lf") && strings.HasPrefix(parts[n-2], "imec"):
		return parts[n-2]
	default:
		return ""
	}
}

// MetaPath returns the sidecar path of a binary path.
func MetaPath(binPath string) string {
	return strings.TrimSuffix(ForceBinSuffix(binPath), binSuffix) + metaSuffix
}
