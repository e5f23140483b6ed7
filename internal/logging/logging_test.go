package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"

	"taskproof/internal/config"
	"taskproof/internal/logging"
)

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := logging.NewWithOutput(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	log.Info("dropped")
	log.WithField("job_id", 7).Warn("kept")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one json line, got %q: %v", buf.String(), err)
	}
	if line["msg"] != "kept" || line["job_id"] != float64(7) {
		t.Fatalf("unexpected line %v", line)
	}
}

func TestDefaultsAndErrors(t *testing.T) {
	log, err := logging.NewWithOutput(config.LogConfig{}, &bytes.Buffer{})
	if err != nil || log.GetLevel() != logrus.InfoLevel {
		t.Fatalf("default level: %v %v", log, err)
	}
	if _, err := logging.NewWithOutput(config.LogConfig{Format: "xml"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected format error")
	}
	if _, err := logging.NewWithOutput(config.LogConfig{Level: "loud"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected level error")
	}
}
