package controller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matst80/psibot/internal/engine"
	"github.com/matst80/psibot/internal/enginecfg"
	"github.com/matst80/psibot/internal/logsink"
	"github.com/matst80/psibot/internal/obs"
	"github.com/matst80/psibot/internal/platform"
	"github.com/matst80/psibot/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

type fakeEngine struct {
	mu         sync.Mutex
	starts     int
	stops      int
	config     string
	serverList string
	provider   engine.Provider
	startErr   error
}

func (f *fakeEngine) Start(configJSON, serverList string, p engine.Provider) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts++
	f.config = configJSON
	f.serverList = serverList
	f.provider = p
	return nil
}

func (f *fakeEngine) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakeEngine) current() engine.Provider {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.provider
}

type staticConfig struct {
	blob []byte
	err  error
}

func (s staticConfig) Build() ([]byte, error) { return s.blob, s.err }

type recordingMirror struct {
	mu        sync.Mutex
	snapshots []session.Snapshot
	clears    int
}

func (m *recordingMirror) Publish(_ context.Context, s session.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, s)
	return nil
}

func (m *recordingMirror) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clears++
	return nil
}

func (m *recordingMirror) Close() error { return nil }

func newTestController(t *testing.T, opts Options) (*Controller, *fakeEngine, *logsink.Log) {
	t.Helper()
	eng := &fakeEngine{}
	log := logsink.New(50)
	if opts.Engine == nil {
		opts.Engine = eng
	}
	if opts.Config == nil {
		opts.Config = staticConfig{blob: []byte(`{"x":1}`)}
	}
	opts.Log = log
	ids := 0
	opts.NewID = func() string {
		ids++
		return "session-" + string(rune('0'+ids))
	}
	return New(opts), eng, log
}

func messages(l *logsink.Log) []string {
	var out []string
	for _, e := range l.Entries() {
		out = append(out, e.Message)
	}
	return out
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	c, eng, log := newTestController(t, Options{})
	c.Stop()
	if eng.stops != 1 {
		t.Fatalf("engine stop should still be requested, got %d", eng.stops)
	}
	if c.Running() {
		t.Fatalf("not running")
	}
	if got := messages(log); len(got) != 1 || got[0] != "tunnel core stopped" {
		t.Fatalf("log = %v", got)
	}
	if c.LocalSocksProxyPort() != 0 || len(c.HomePages()) != 0 {
		t.Fatalf("state should be empty")
	}
}

func TestStartPassesConfigAndServerList(t *testing.T) {
	c, eng, log := newTestController(t, Options{ServerList: "entries"})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if eng.config != `{"x":1}` || eng.serverList != "entries" {
		t.Fatalf("engine got config=%q list=%q", eng.config, eng.serverList)
	}
	if eng.stops != 1 {
		t.Fatalf("start must stop any prior engine first, stops=%d", eng.stops)
	}
	if !c.Running() {
		t.Fatalf("expected running")
	}
	if got := messages(log); len(got) != 1 || got[0] != "tunnel core started" {
		t.Fatalf("log = %v", got)
	}
}

func TestNoticesUpdateState(t *testing.T) {
	c, eng, _ := newTestController(t, Options{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	p := eng.current()
	p.Notice(`{"noticeType":"ListeningSocksProxyPort","data":{"port":1080}}`)
	p.Notice(`{"noticeType":"ListeningHttpProxyPort","data":{"port":8080}}`)
	p.Notice(`{"noticeType":"Homepage","data":{"url":"https://example.org"}}`)

	if c.LocalSocksProxyPort() != 1080 || c.LocalHttpProxyPort() != 8080 {
		t.Fatalf("ports %d/%d", c.LocalSocksProxyPort(), c.LocalHttpProxyPort())
	}
	if hp := c.HomePages(); len(hp) != 1 || hp[0] != "https://example.org" {
		t.Fatalf("home pages %v", hp)
	}

	select {
	case <-c.Ready():
		t.Fatalf("not ready yet")
	default:
	}
	p.Notice(`{"noticeType":"Tunnels","data":{"count":1}}`)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.WaitReady(ctx); err != nil {
		t.Fatalf("wait ready: %v", err)
	}
	if !c.Snapshot().Ready {
		t.Fatalf("snapshot should report ready")
	}
}

func TestStartResetsState(t *testing.T) {
	c, eng, _ := newTestController(t, Options{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	old := eng.current()
	old.Notice(`{"noticeType":"ListeningSocksProxyPort","data":{"port":1080}}`)
	old.Notice(`{"noticeType":"Homepage","data":{"url":"https://example.org"}}`)
	old.Notice(`{"noticeType":"Tunnels","data":{"count":1}}`)
	firstID := c.Snapshot().SessionID

	if err := c.Restart(context.Background()); err != nil {
		t.Fatal(err)
	}
	snap := c.Snapshot()
	if snap.LocalSocksProxyPort != 0 || len(snap.HomePages) != 0 || snap.Ready {
		t.Fatalf("state not reset: %+v", snap)
	}
	if snap.SessionID == firstID {
		t.Fatalf("expected a new session id")
	}

	// A late notice from the replaced engine must not leak into the new session.
	old.Notice(`{"noticeType":"ListeningSocksProxyPort","data":{"port":9999}}`)
	if c.LocalSocksProxyPort() != 0 {
		t.Fatalf("stale notice applied to new session")
	}
}

func TestStartConfigFailure(t *testing.T) {
	b := &enginecfg.Builder{TemplatePath: t.TempDir() + "/missing.json"}
	c, eng, log := newTestController(t, Options{Config: b})
	err := c.Start(context.Background())
	var se *StartupError
	if !errors.As(err, &se) {
		t.Fatalf("expected StartupError, got %v", err)
	}
	var ce *enginecfg.ConfigLoadError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigLoadError cause, got %v", err)
	}
	if eng.starts != 0 {
		t.Fatalf("engine must not start without config")
	}
	if c.Running() {
		t.Fatalf("should not be running")
	}
	for _, m := range messages(log) {
		if m == "tunnel core started" {
			t.Fatalf("started entry written on failure")
		}
	}
}

func TestStartEngineFailure(t *testing.T) {
	boom := errors.New("boom")
	eng := &fakeEngine{startErr: boom}
	c, _, _ := newTestController(t, Options{Engine: eng})
	err := c.Start(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected engine error in chain, got %v", err)
	}
	if !strings.Contains(err.Error(), "failed to start tunnel core") {
		t.Fatalf("message %q", err.Error())
	}
}

func TestBindToDevice(t *testing.T) {
	denied := errors.New("denied")
	var protected []int
	c, eng, _ := newTestController(t, Options{
		Protector: platform.ProtectorFunc(func(fd int) error {
			protected = append(protected, fd)
			if fd == 13 {
				return denied
			}
			return nil
		}),
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	p := eng.current()
	if err := p.BindToDevice(7); err != nil {
		t.Fatalf("protect 7: %v", err)
	}
	err := p.BindToDevice(13)
	var pe *ProtectError
	if !errors.As(err, &pe) || pe.FD != 13 || !errors.Is(err, denied) {
		t.Fatalf("expected ProtectError for fd 13, got %v", err)
	}
	if len(protected) != 2 {
		t.Fatalf("protector calls %v", protected)
	}
	// Failure is per connection, not session-fatal.
	if !c.Running() {
		t.Fatalf("session should survive a protect failure")
	}
}

func TestBindToDeviceWithoutProtector(t *testing.T) {
	c, eng, _ := newTestController(t, Options{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	err := eng.current().BindToDevice(3)
	if !errors.Is(err, platform.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestHasNetworkConnectivity(t *testing.T) {
	online := true
	c, eng, _ := newTestController(t, Options{
		Connectivity: platform.ConnectivityFunc(func() bool { return online }),
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	p := eng.current()
	if !p.HasNetworkConnectivity() {
		t.Fatalf("expected online")
	}
	online = false
	if p.HasNetworkConnectivity() {
		t.Fatalf("probe result must not be cached")
	}
}

func TestMirrorReceivesChanges(t *testing.T) {
	m := &recordingMirror{}
	c, eng, _ := newTestController(t, Options{Mirror: m})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.clears != 1 {
		t.Fatalf("start should clear the mirror, clears=%d", m.clears)
	}
	p := eng.current()
	p.Notice(`{"noticeType":"ListeningSocksProxyPort","data":{"port":1080}}`)
	p.Notice(`{"noticeType":"Info","data":{"message":"hello"}}`)
	p.Notice(`not json`)

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.snapshots) != 1 || m.snapshots[0].LocalSocksProxyPort != 1080 {
		t.Fatalf("snapshots %+v", m.snapshots)
	}
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("read gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestReplacedSessionLeavesGaugesAlone(t *testing.T) {
	m := &recordingMirror{}
	c, eng, _ := newTestController(t, Options{Mirror: m})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	old := eng.current()
	if err := c.Restart(context.Background()); err != nil {
		t.Fatal(err)
	}

	old.Notice(`{"noticeType":"Tunnels","data":{"count":1}}`)
	old.Notice(`{"noticeType":"ListeningSocksProxyPort","data":{"port":1080}}`)
	if v := gaugeValue(t, obs.TunnelReady); v != 0 {
		t.Fatalf("tunnel ready gauge = %v after a stale notice", v)
	}
	if v := gaugeValue(t, obs.ActiveTunnels); v != 0 {
		t.Fatalf("active tunnels gauge = %v after a stale notice", v)
	}
	if c.Snapshot().Ready {
		t.Fatalf("current session must stay pending")
	}
	m.mu.Lock()
	published := len(m.snapshots)
	m.mu.Unlock()
	if published != 0 {
		t.Fatalf("stale session published %d snapshots", published)
	}

	eng.current().Notice(`{"noticeType":"Tunnels","data":{"count":1}}`)
	if v := gaugeValue(t, obs.TunnelReady); v != 1 {
		t.Fatalf("tunnel ready gauge = %v for the current session", v)
	}
}
