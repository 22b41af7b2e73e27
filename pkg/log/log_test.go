package log

import (
	"strings"
	"testing"
)

type testWriter struct {
	lines []string
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.lines = append(w.lines, string(p))
	return len(p), nil
}

func TestLevelFiltering(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Info, Emitter: GoogleEmitter{&Writer{Next: tw}}}

	l.Debugf("should be dropped")
	if len(tw.lines) != 0 {
		t.Fatalf("Debugf logged at Info level: %v", tw.lines)
	}

	l.Infof("hello %d", 1)
	if len(tw.lines) != 1 {
		t.Fatalf("Infof did not log, got %v", tw.lines)
	}
	if !strings.Contains(tw.lines[0], "hello 1") {
		t.Fatalf("unexpected log line: %q", tw.lines[0])
	}

	l.SetLevel(Debug)
	l.Debugf("now visible")
	if len(tw.lines) != 2 {
		t.Fatalf("Debugf did not log after SetLevel(Debug), got %v", tw.lines)
	}
}

func TestJSONEmitter(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Warning, Emitter: JSONEmitter{&Writer{Next: tw}}}

	l.Warningf("disk %s", "full")
	if len(tw.lines) != 1 {
		t.Fatalf("Warningf did not log, got %v", tw.lines)
	}
	if !strings.Contains(tw.lines[0], `"level":"warning"`) || !strings.Contains(tw.lines[0], "disk full") {
		t.Fatalf("unexpected json log line: %q", tw.lines[0])
	}
}
