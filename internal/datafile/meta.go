package datafile

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"neurorec/internal/faults"
)

// Metadata keys shared by writers, readers and tools.
const (
	KeyTypeThis          = "typeThis"
	KeyNSavedChans       = "nSavedChans"
	KeySaveChanSubset    = "snsSaveChanSubset"
	KeyImSampRate        = "imSampRate"
	KeyNiSampRate        = "niSampRate"
	KeyNAcquiredChans    = "nAcquiredChans"
	KeyGateMode          = "gateMode"
	KeyTrigMode          = "trigMode"
	KeyFileName          = "fileName"
	KeyFileCreateTime    = "fileCreateTime"
	KeySyncSourcePeriod  = "syncSourcePeriod"
	KeySyncSourceIdx     = "syncSourceIdx"
	KeyUserNotes         = "userNotes"
	KeyAppVersion        = "appVersion"
	KeyFirstSample       = "firstSample"
	KeyFileSHA1          = "fileSHA1"
	KeyFileSizeBytes     = "fileSizeBytes"
	KeyFileTimeSecs      = "fileTimeSecs"
	KeyRunID             = "runID"
	KeyTrgTTLStream      = "trgTTLStream"
	KeyTrgTTLIsAnalog    = "trgTTLIsAnalog"
	KeyTrgTTLAIChan      = "trgTTLAIChan"
	KeyTrgTTLBit         = "trgTTLBit"
	KeyTrgSpikeStream    = "trgSpikeStream"
	KeyTrgSpikeAIChan    = "trgSpikeAIChan"
	remoteParamKeyPrefix = "rmt_"
)

// Stream types written to typeThis.
const (
	TypeImec = "imec"
	TypeNIDQ = "nidq"
)

// Meta is an insertion-ordered key=value map.
type Meta struct {
	keys []string
	vals map[string]string
}

// NewMeta returns an empty metadata map.
func NewMeta() *Meta {
	return &Meta{vals: make(map[string]string)}
}

// Set stores value under key, keeping the original position of existing keys.
func (m *Meta) Set(key, value string) {
	if _, ok := m.vals[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.vals[key] = value
}

// SetInt stores an integer value.
func (m *Meta) SetInt(key string, value int64) { m.Set(key, strconv.FormatInt(value, 10)) }

// SetUint stores an unsigned value.
func (m *Meta) SetUint(key string, value uint64) { m.Set(key, strconv.FormatUint(value, 10)) }

// SetFloat stores a float in its shortest round-tripping form.
func (m *Meta) SetFloat(key string, value float64) {
	m.Set(key, strconv.FormatFloat(value, 'g', -1, 64))
}

// SetBool stores true or false.
func (m *Meta) SetBool(key string, value bool) { m.Set(key, strconv.FormatBool(value)) }

// Delete removes key.
func (m *Meta) Delete(key string) {
	if _, ok := m.vals[key]; !ok {
		return
	}
	delete(m.vals, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Get returns the raw value of key.
func (m *Meta) Get(key string) (string, bool) {
	v, ok := m.vals[key]
	return v, ok
}

// Int parses key as an integer.
func (m *Meta) Int(key string) (int64, error) {
	v, ok := m.vals[key]
	if !ok {
		return 0, missingKey(key)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", faults.ErrValidation, key, v)
	}
	return n, nil
}

// Float parses key as a float.
func (m *Meta) Float(key string) (float64, error) {
	v, ok := m.vals[key]
	if !ok {
		return 0, missingKey(key)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not a number", faults.ErrValidation, key, v)
	}
	return f, nil
}

// Bool parses key as a boolean; absent keys read as false.
func (m *Meta) Bool(key string) bool {
	v, ok := m.vals[key]
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

// Keys returns keys in insertion order.
func (m *Meta) Keys() []string {
	return append([]string(nil), m.keys...)
}

// Len reports the number of keys.
func (m *Meta) Len() int { return len(m.keys) }

// Clone returns a deep copy.
func (m *Meta) Clone() *Meta {
	out := NewMeta()
	for _, k := range m.keys {
		out.Set(k, m.vals[k])
	}
	return out
}

// Bytes renders one key=value pair per line.
func (m *Meta) Bytes() []byte {
	var buf bytes.Buffer
	for _, k := range m.keys {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(m.vals[k])
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// ParseMeta reads key=value lines. Blank lines and lines without '=' are
// ignored; a later duplicate key replaces the earlier value.
func ParseMeta(r io.Reader) (*Meta, error) {
	m := NewMeta()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		m.Set(key, value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read metadata: %w", faults.ErrIO, err)
	}
	return m, nil
}

// ReadMeta loads the sidecar at path.
func ReadMeta(path string) (*Meta, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open metadata %s: %w", faults.ErrIO, path, err)
	}
	defer f.Close()
	return ParseMeta(f)
}

// EscapeNotes folds newlines so free text fits on one metadata line.
func EscapeNotes(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "\r\n", `\n`)
	return strings.ReplaceAll(s, "\n", `\n`)
}

// UnescapeNotes reverses EscapeNotes.
func UnescapeNotes(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case 'n':
				b.WriteByte('\n')
				i++
				continue
			case '\\':
				b.WriteByte('\\')
				i++
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func missingKey(key string) error {
	return fmt.Errorf("%w: missing metadata key %s", faults.ErrConfiguration, key)
}
