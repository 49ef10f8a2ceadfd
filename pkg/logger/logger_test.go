package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/OFFIS-RIT/kbmerge/pkg/logger/console"
)

func TestFanOutPassesKeyvals(t *testing.T) {
	var a, b bytes.Buffer
	Init(
		console.NewConsoleLogger(console.ConsoleLoggerParams{Output: &a, Debug: true}),
		console.NewConsoleLogger(console.ConsoleLoggerParams{Output: &b, JSON: true}),
	)
	defer Init()

	Log("[Pass] finished", "kind", "documents")
	Debug("[Pass] page", "cursor", "documents/9")

	if !strings.Contains(a.String(), "kind=documents") {
		t.Fatalf("expected keyvals in text output, got %q", a.String())
	}
	if !strings.Contains(a.String(), "cursor=documents/9") {
		t.Fatalf("expected debug line in text output, got %q", a.String())
	}
	if !strings.Contains(b.String(), `"kind":"documents"`) {
		t.Fatalf("expected keyvals in json output, got %q", b.String())
	}
	if strings.Contains(b.String(), "cursor") {
		t.Fatalf("expected debug to be filtered at info level, got %q", b.String())
	}
}

func TestUninitializedLoggerIsSilent(t *testing.T) {
	singleton = nil
	Info("nothing")
}
