package logs

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"neurorec/internal/logging"
)

// ParseLine decodes one JSON log record. Text records report false.
func ParseLine(line string) (logging.LogEvent, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return logging.LogEvent{}, false
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return logging.LogEvent{}, false
	}

	var evt logging.LogEvent
	for key, value := range raw {
		switch key {
		case "time":
			if s, ok := value.(string); ok {
				evt.Timestamp, _ = time.Parse(time.RFC3339Nano, s)
			}
		case "level":
			evt.Level = strings.ToLower(fmt.Sprint(value))
		case "msg":
			evt.Message = fmt.Sprint(value)
		case logging.FieldComponent:
			evt.Component = fmt.Sprint(value)
		case logging.FieldRunID:
			evt.RunID = fmt.Sprint(value)
		case logging.FieldStream:
			evt.Stream = fmt.Sprint(value)
		default:
			if evt.Fields == nil {
				evt.Fields = make(map[string]string)
			}
			evt.Fields[key] = fieldString(value)
		}
	}
	if evt.Message == "" && evt.Level == "" {
		return logging.LogEvent{}, false
	}
	return evt, true
}

func fieldString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case map[string]any, []any:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	default:
		return fmt.Sprint(v)
	}
}
