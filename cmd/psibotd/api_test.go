package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/matst80/psibot/internal/logsink"
	"github.com/matst80/psibot/internal/session"
)

type fixedState struct{ snap session.Snapshot }

func (f *fixedState) Snapshot() session.Snapshot { return f.snap }

func newTestAPI(t *testing.T) (*httptest.Server, *fixedState, *logsink.Log) {
	t.Helper()
	state := &fixedState{snap: session.Snapshot{SessionID: "s-1", LocalSocksProxyPort: 1080, HomePages: []string{}}}
	log := logsink.New(10)
	srv := httptest.NewServer(newRouter(state, log))
	t.Cleanup(srv.Close)
	return srv, state, log
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			break
		}
	}
	return resp, sb.String()
}

func TestHealthAndReadiness(t *testing.T) {
	srv, state, _ := newTestAPI(t)
	if resp, _ := get(t, srv.URL+"/healthz"); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz %d", resp.StatusCode)
	}
	if resp, _ := get(t, srv.URL+"/readyz"); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz before ready %d", resp.StatusCode)
	}
	state.snap.Ready = true
	if resp, body := get(t, srv.URL+"/readyz"); resp.StatusCode != http.StatusOK || body != "ready" {
		t.Fatalf("readyz after ready %d %q", resp.StatusCode, body)
	}
}

func TestStateEndpoint(t *testing.T) {
	srv, _, _ := newTestAPI(t)
	resp, body := get(t, srv.URL+"/api/state")
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type %q", ct)
	}
	var snap session.Snapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.SessionID != "s-1" || snap.LocalSocksProxyPort != 1080 {
		t.Fatalf("unexpected %+v", snap)
	}
}

func TestLogEndpoint(t *testing.T) {
	srv, _, log := newTestAPI(t)
	log.AddEntry("one")
	log.AddEntry("two")
	log.AddEntry("three")

	_, body := get(t, srv.URL+"/api/log")
	var all []logsink.Entry
	if err := json.Unmarshal([]byte(body), &all); err != nil || len(all) != 3 {
		t.Fatalf("all entries: %v %v", all, err)
	}

	_, body = get(t, srv.URL+"/api/log?tail=2")
	var tail []logsink.Entry
	if err := json.Unmarshal([]byte(body), &tail); err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 || tail[0].Message != "two" || tail[1].Message != "three" {
		t.Fatalf("tail: %+v", tail)
	}

	if resp, _ := get(t, srv.URL+"/api/log?tail=x"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad tail status %d", resp.StatusCode)
	}
}

func TestDashboard(t *testing.T) {
	srv, _, log := newTestAPI(t)
	log.AddEntry("tunnel core started")
	resp, body := get(t, srv.URL+"/dashboard")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if !strings.Contains(body, "s-1") || !strings.Contains(body, "tunnel core started") {
		t.Fatalf("dashboard missing content")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestAPI(t)
	_, body := get(t, srv.URL+"/metrics")
	if !strings.Contains(body, "psibot_engine_starts_total") {
		t.Fatalf("metrics missing psibot collectors")
	}
}

func TestNoticeStream(t *testing.T) {
	srv, _, log := newTestAPI(t)
	log.AddEntry("backlog")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/notices/stream?tail=1"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var e logsink.Entry
	if err := wsjson.Read(ctx, conn, &e); err != nil || e.Message != "backlog" {
		t.Fatalf("backlog entry %+v %v", e, err)
	}

	// The backlog and the subscription are taken together, so this
	// entry cannot be missed.
	log.AddEntry("Tunnels {\"count\":1}")
	if err := wsjson.Read(ctx, conn, &e); err != nil {
		t.Fatalf("read: %v", err)
	}
	if e.Message != "Tunnels {\"count\":1}" {
		t.Fatalf("unexpected entry %+v", e)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
