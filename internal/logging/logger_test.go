package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestJSONFormatAndLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "warn", "json")
	logger.Info("hidden")
	logger.Warn("cycle skipped", "trigger", "interval")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if entry["msg"] != "cycle skipped" || entry["trigger"] != "interval" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestTextFormatDefaults(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "", "")
	logger.Debug("hidden")
	logger.Info("harvest done", "records", 3)
	if out := buf.String(); !strings.Contains(out, "msg=\"harvest done\"") || !strings.Contains(out, "records=3") {
		t.Fatalf("unexpected text output: %q", out)
	}
}
