package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "warn")
	log.Info().Msg("hidden")
	log.Warn().Str("path", "/printers").Msg("request failed")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered: %s", out)
	}
	if !strings.Contains(out, `"path":"/printers"`) || !strings.Contains(out, `"app":"printwatch"`) {
		t.Fatalf("unexpected log line: %s", out)
	}
}

func TestNewUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "loud")
	log.Debug().Msg("debug")
	log.Info().Msg("info")
	if strings.Contains(buf.String(), `"message":"debug"`) || !strings.Contains(buf.String(), `"message":"info"`) {
		t.Fatalf("unexpected output: %s", buf.String())
	}
}

func TestForFormatConsoleIsHumanReadable(t *testing.T) {
	var buf bytes.Buffer
	log := ForFormat(&buf, "console", "info")
	log.Info().Str("printer", "p1").Msg("poll stopped")
	out := buf.String()
	if !strings.Contains(out, "poll stopped") || strings.Contains(out, `"message":`) {
		t.Fatalf("expected console output, got %s", out)
	}

	buf.Reset()
	ForFormat(&buf, "json", "info").Info().Msg("poll stopped")
	if !strings.Contains(buf.String(), `"message":"poll stopped"`) {
		t.Fatalf("expected json output, got %s", buf.String())
	}
}
