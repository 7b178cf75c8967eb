package debug

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func capture(t *testing.T, lvl int) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	Init(lvl)
	t.Cleanup(func() {
		Init(LevelOff)
		SetOutput(os.Stdout)
	})
	return &buf
}

func TestLevelGating(t *testing.T) {
	cases := []struct {
		name  string
		level int
		emit  func()
		want  bool
	}{
		{"info_at_info", LevelInfo, func() { Info("hello") }, true},
		{"live_at_info", LevelInfo, func() { Live("hello") }, false},
		{"sample_at_verbose", LevelVerbose, func() { Sample(1, 10) }, false},
		{"sample_at_trace", LevelTrace, func() { Sample(1, 10) }, true},
		{"error_at_off", LevelOff, func() { Error(nil) }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := capture(t, tc.level)
			tc.emit()
			if got := buf.Len() > 0; got != tc.want {
				t.Errorf("output present = %v, want %v (%q)", got, tc.want, buf.String())
			}
		})
	}
}

func TestShotFormat(t *testing.T) {
	buf := capture(t, LevelLive)
	Shot("2024-01-02-03-04-05-006", "content://media/external/images/media/1")
	if !strings.Contains(buf.String(), "Photo capture succeeded: content://media/external/images/media/1") {
		t.Errorf("unexpected output: %q", buf.String())
	}
}

func TestFmtDisabled(t *testing.T) {
	capture(t, LevelOff)
	if s := Fmt("x=%d", 1); s != "" {
		t.Errorf("Fmt with debug off = %q, want empty", s)
	}
}
