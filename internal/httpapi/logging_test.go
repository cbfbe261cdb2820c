package httpapi

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"":      LevelOff,
		"off":   LevelOff,
		"error": LevelError,
		"info":  LevelInfo,
		"DEBUG": LevelDebug,
		"1":     LevelDebug,
		"weird": LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRequestLogLevel_Overrides(t *testing.T) {
	r := httptest.NewRequest("GET", "/x?log=debug", nil)
	r.Header.Set("X-Log-Level", "error")
	if got := requestLogLevel(r); got != LevelDebug {
		t.Fatalf("query should win: %v", got)
	}
	r = httptest.NewRequest("GET", "/x", nil)
	r.Header.Set("X-Log-Level", "error")
	if got := requestLogLevel(r); got != LevelError {
		t.Fatalf("header override failed: %v", got)
	}
}

func TestEventLogWriter_SplitsLines(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(zerolog.New(&buf))
	defer SetLogger(zerolog.Nop())

	lw := &eventLogWriter{rid: "r1"}
	_, _ = lw.Write([]byte(`{"status":{"id":"a"}}` + "\n" + `{"res`))
	_, _ = lw.Write([]byte(`ult":{"id":"a"}}` + "\n"))

	out := buf.String()
	if strings.Count(out, "generation event") != 2 {
		t.Fatalf("expected two logged events: %q", out)
	}
	if !strings.Contains(out, `"event":{"result":{"id":"a"}}`) || !strings.Contains(out, `"request_id":"r1"`) {
		t.Fatalf("joined line not logged as JSON: %q", out)
	}
}

func TestStreamWithDebugLogging(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(zerolog.New(&buf))
	defer SetLogger(zerolog.Nop())

	w := postJSON(NewMux(&mockService{}), "/generations?stream=1&log=debug", `{"frames":2}`)
	if w.Code != 200 {
		t.Fatalf("status=%d", w.Code)
	}
	if !strings.Contains(buf.String(), "generation streamed") || !strings.Contains(buf.String(), "generation event") {
		t.Fatalf("missing logs: %q", buf.String())
	}
}
