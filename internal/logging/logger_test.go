package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func newBufferLogger(buf *bytes.Buffer) *Logger {
	return &Logger{
		output:     buf,
		level:      DEBUG,
		component:  "test",
		jsonFormat: true,
		fields:     make(map[string]interface{}),
	}
}

func lastEntry(t *testing.T, buf *bytes.Buffer) Entry {
	t.Helper()
	var e Entry
	if err := json.Unmarshal(buf.Bytes(), &e); err != nil {
		t.Fatalf("bad log line %q: %v", buf.String(), err)
	}
	return e
}

func TestLogKeyValueArgs(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf)

	l.Info("strategy tick", "symbol", "ETHUSDT", "bars", 3)

	e := lastEntry(t, &buf)
	if e.Message != "strategy tick" || e.Level != "INFO" || e.Component != "test" {
		t.Errorf("entry = %+v", e)
	}
	if e.Fields["symbol"] != "ETHUSDT" || e.Fields["bars"] != float64(3) {
		t.Errorf("fields = %v", e.Fields)
	}
}

func TestLogMessageWithPercentIsNotFormatted(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf)

	l.Warn("queue 90% full", "dropped", 0)

	if e := lastEntry(t, &buf); e.Message != "queue 90% full" {
		t.Errorf("message = %q", e.Message)
	}
}

func TestLogErrorValuesFlattened(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf)

	l.Error("step failed", "error", errors.New("timeout"))

	if e := lastEntry(t, &buf); e.Fields["error"] != "timeout" {
		t.Errorf("fields = %v", e.Fields)
	}
}

func TestLogUnpairedTrailingArg(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf)

	l.Info("odd args", "key", 1, "dangling")

	e := lastEntry(t, &buf)
	if e.Fields["key"] != float64(1) || e.Fields["extra"] != "dangling" {
		t.Errorf("fields = %v", e.Fields)
	}
}

func TestLogLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf)
	l.level = WARN

	l.Debug("hidden")
	l.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("below-level output: %q", buf.String())
	}

	l.Warn("visible")
	if buf.Len() == 0 {
		t.Fatal("warn suppressed at WARN level")
	}
}

func TestWithFieldAndComponent(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf).WithComponent("ingest").WithField("stream", "ethusdt@kline_1m")

	l.Info("connected")

	e := lastEntry(t, &buf)
	if e.Component != "ingest" || e.Fields["stream"] != "ethusdt@kline_1m" {
		t.Errorf("entry = %+v", e)
	}
}
