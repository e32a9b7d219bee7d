package logging

import (
	"bytes"
	"strings"
	"sync"
	"testing"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{DEBUG, "DEBUG"},
		{INFO, "INFO"},
		{WARN, "WARN"},
		{ERROR, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", DEBUG, false},
		{"INFO", INFO, false},
		{"", INFO, false},
		{"warning", WARN, false},
		{" error ", ERROR, false},
		{"verbose", INFO, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNew_BufferHasNoColor(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, DEBUG)

	logger.Info("plain")

	if strings.Contains(buf.String(), "\033[") {
		t.Errorf("non-terminal output should not contain escape codes: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "[INFO] plain") {
		t.Errorf("unexpected format: %q", buf.String())
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, WARN)

	logger.Debug("debug message")
	logger.Info("info message")
	if buf.Len() > 0 {
		t.Error("DEBUG and INFO should be filtered when level is WARN")
	}

	logger.Warn("warn message")
	if buf.Len() == 0 {
		t.Error("WARN should not be filtered")
	}

	buf.Reset()
	logger.Error("error message")
	if buf.Len() == 0 {
		t.Error("ERROR should not be filtered")
	}
}

func TestLogger_FormatWithArgs(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, DEBUG)

	logger.Info("evicted %d geofences", 3)

	if !strings.Contains(buf.String(), "evicted 3 geofences") {
		t.Errorf("output should contain formatted value: %s", buf.String())
	}
}

func TestLogger_FieldsSorted(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, DEBUG).WithFields(map[string]interface{}{
		"zeta":  1,
		"alpha": "a",
	})

	logger.Info("test")

	out := buf.String()
	if !strings.Contains(out, "| alpha=a zeta=1") {
		t.Errorf("fields should be sorted by key: %q", out)
	}
}

func TestLogger_WithFieldImmutability(t *testing.T) {
	base := New(&bytes.Buffer{}, INFO).WithField("existing", "value")
	derived := base.WithField("new", "field")

	if derived.fields["existing"] != "value" {
		t.Error("existing field not preserved")
	}
	if _, ok := base.fields["new"]; ok {
		t.Error("original logger was modified")
	}

	derived.fields["modified"] = true
	if _, ok := base.fields["modified"]; ok {
		t.Error("base fields should not share the derived map")
	}
}

func TestLogger_ChildSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	parent := New(&buf, ERROR)
	child := parent.WithField("component", "registry")

	child.Info("hidden")
	if buf.Len() != 0 {
		t.Fatal("child should inherit ERROR level")
	}

	parent.SetLevel(DEBUG)
	child.Info("visible")
	if !strings.Contains(buf.String(), "visible | component=registry") {
		t.Errorf("child should see the parent's new level: %q", buf.String())
	}
}

func TestNop(t *testing.T) {
	logger := Nop()
	// Must not panic and must not write anywhere visible.
	logger.Error("nothing to see")
	logger.WithField("k", "v").Warn("still nothing")
}

func TestPackageLevelHelpers(t *testing.T) {
	var buf bytes.Buffer
	orig := defaultLogger
	defaultLogger = New(&buf, DEBUG)
	defer func() { defaultLogger = orig }()

	Debug("d")
	Info("i")
	Warn("w")
	Error("e")
	WithField("k", "v").Info("field")

	out := buf.String()
	for _, want := range []string{"[DEBUG] d", "[INFO] i", "[WARN] w", "[ERROR] e", "field | k=v"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestLogger_ConcurrentAccess(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, DEBUG)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.WithField("n", n).Info("message %d", n)
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 10 {
		t.Errorf("expected 10 log lines, got %d", len(lines))
	}
}

func TestLogLevelConstants(t *testing.T) {
	if !(DEBUG < INFO && INFO < WARN && WARN < ERROR) {
		t.Error("levels should be ordered DEBUG < INFO < WARN < ERROR")
	}
}
