package web

import (
	"bytes"
	"html/template"
	"strings"
	"testing"
	"time"

	"github.com/matst80/psibot/internal/logsink"
	"github.com/matst80/psibot/internal/session"
)

func TestRenderDashboard(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, "dashboard", map[string]any{
		"Snapshot": session.Snapshot{
			SessionID:           "s-1",
			StartedAt:           time.Now().Add(-time.Minute),
			LocalSocksProxyPort: 1080,
			HomePages:           []string{"https://example.org/?a=1&b=2"},
			Ready:               true,
		},
		"Entries": []logsink.Entry{{Time: time.Now(), Message: "tunnel core started"}},
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"s-1", "1080", "connected", "tunnel core started", "https://example.org/?a=1&amp;b=2"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestRenderUnknownFallsBackToBase(t *testing.T) {
	var buf bytes.Buffer
	if err := Render(&buf, "nope", nil); err != nil {
		t.Fatalf("fallback failed: %v", err)
	}
	if !strings.Contains(buf.String(), "status unavailable") {
		t.Fatalf("expected base page, got %q", buf.String())
	}
}

func TestRenderFailureDiscardsPartialOutput(t *testing.T) {
	set := template.Must(template.New("page").Parse(
		`{{define "base"}}BASE{{end}}{{define "broken"}}PARTIAL{{index .List 5}}{{end}}`))
	var buf bytes.Buffer
	if err := render(set, &buf, "broken", map[string]any{"List": []int{1}}); err != nil {
		t.Fatalf("render: %v", err)
	}
	if got := buf.String(); got != "BASE" {
		t.Fatalf("output = %q, want only the fallback page", got)
	}
}
