package wasm

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/tetratelabs/wazero/api"
)

// LogMessage is the wire form of a guest log record.
type LogMessage struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	RequestID string    `json:"requestId,omitempty"`
	Attrs     []LogAttr `json:"attrs,omitempty"`
}

// LogAttr is one typed attribute of a guest log record.
type LogAttr struct {
	Key   string `json:"key"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// logMessage implements the log_message host function. It receives a packed
// ptr+len pointing at a JSON LogMessage and returns nothing.
func (i *instance) logMessage(ctx context.Context, mod api.Module, stack []uint64) {
	var msg LogMessage
	if err := readJSON(mod, stack[0], &msg); err != nil {
		i.logger.ErrorContext(ctx, "wasm: failed to read log message from guest memory", "error", err)
		return
	}

	attrs := convertLogAttrs(msg.Attrs)
	attrs = append(attrs, slog.String("source", "plugin"))
	if msg.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", msg.RequestID))
	}
	i.logger.LogAttrs(ctx, parseLogLevel(msg.Level), msg.Message, attrs...)
}

func parseLogLevel(levelStr string) slog.Level {
	level := slog.LevelInfo
	_ = level.UnmarshalText([]byte(levelStr))
	return level
}

func convertLogAttrs(wireAttrs []LogAttr) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(wireAttrs)+2)
	for _, attr := range wireAttrs {
		attrs = append(attrs, convertSingleAttr(attr))
	}
	return attrs
}

func convertSingleAttr(attr LogAttr) slog.Attr {
	switch attr.Type {
	case "string":
		return slog.String(attr.Key, attr.Value)
	case "int64":
		if v, err := strconv.ParseInt(attr.Value, 10, 64); err == nil {
			return slog.Int64(attr.Key, v)
		}
	case "bool":
		if v, err := strconv.ParseBool(attr.Value); err == nil {
			return slog.Bool(attr.Key, v)
		}
	case "float64":
		if v, err := strconv.ParseFloat(attr.Value, 64); err == nil {
			return slog.Float64(attr.Key, v)
		}
	case "time":
		if v, err := time.Parse(time.RFC3339Nano, attr.Value); err == nil {
			return slog.Time(attr.Key, v)
		}
	case "error":
		return slog.Any(attr.Key, fmt.Errorf("%s", attr.Value))
	}
	return slog.String(attr.Key, attr.Value)
}
