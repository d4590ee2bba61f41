// Package controller owns the tunnel engine lifecycle: it builds the engine
// configuration, starts and stops the engine, and routes engine callbacks to
// the current session.
package controller

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/psibot/internal/engine"
	"github.com/matst80/psibot/internal/mirror"
	"github.com/matst80/psibot/internal/obs"
	"github.com/matst80/psibot/internal/platform"
	"github.com/matst80/psibot/internal/ratelimit"
	"github.com/matst80/psibot/internal/session"
)

const (
	entryStarted = "tunnel core started"
	entryStopped = "tunnel core stopped"

	defaultMirrorTimeout = 2 * time.Second
)

// ConfigBuilder produces the engine configuration blob. *enginecfg.Builder
// implements it.
type ConfigBuilder interface {
	Build() ([]byte, error)
}

// Options wire a Controller. Engine and Config are required.
type Options struct {
	Engine       engine.Engine
	Config       ConfigBuilder
	Protector    platform.Protector    // nil fails every protect call
	Connectivity platform.Connectivity // nil uses platform.InterfaceProbe
	Log          session.LogSink       // lifecycle log; optional
	Mirror       mirror.Publisher      // optional
	Limiter      *ratelimit.RateLimiter
	ServerList   string // embedded server entry list, may be empty

	MirrorTimeout time.Duration
	NewID         func() string
}

// Controller starts and stops the engine. Start and Stop are serialized by a
// gate; the session accessors never wait on it.
type Controller struct {
	opts Options

	gate    sync.Mutex
	running bool

	mu  sync.RWMutex
	cur *session.Session
}

// New returns a stopped controller whose accessors report an empty session.
func New(opts Options) *Controller {
	if opts.Connectivity == nil {
		opts.Connectivity = platform.InterfaceProbe{}
	}
	if opts.Mirror == nil {
		opts.Mirror = mirror.Nop()
	}
	if opts.MirrorTimeout <= 0 {
		opts.MirrorTimeout = defaultMirrorTimeout
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	c := &Controller{opts: opts}
	c.cur = session.New(session.Options{ID: ""})
	return c
}

// Start stops any running engine, resets state to a fresh session and
// launches the engine. Failures are *StartupError.
func (c *Controller) Start(ctx context.Context) error {
	c.gate.Lock()
	defer c.gate.Unlock()

	c.opts.Engine.Stop()
	c.running = false

	sess := c.newSession()
	c.mu.Lock()
	c.cur = sess
	c.mu.Unlock()

	obs.TunnelReady.Set(0)
	obs.ActiveTunnels.Set(0)
	c.opts.Limiter.Reset()
	c.clearMirror(ctx)

	cfg, err := c.opts.Config.Build()
	if err != nil {
		return c.startFailed(sess, err)
	}
	if err := c.opts.Engine.Start(string(cfg), c.opts.ServerList, &provider{c: c, sess: sess}); err != nil {
		return c.startFailed(sess, err)
	}

	c.running = true
	obs.EngineStartsTotal.Inc()
	obs.Info("controller.start", obs.Fields{"session": sess.ID()})
	c.addEntry(entryStarted)
	return nil
}

// Restart is Start under another name, for signal handlers.
func (c *Controller) Restart(ctx context.Context) error {
	obs.Info("controller.restart", obs.Fields{"session": c.session().ID()})
	return c.Start(ctx)
}

// Stop shuts the engine down. Calling it when nothing is running is safe.
func (c *Controller) Stop() {
	c.gate.Lock()
	defer c.gate.Unlock()

	c.opts.Engine.Stop()
	wasRunning := c.running
	c.running = false

	obs.EngineStopsTotal.Inc()
	obs.TunnelReady.Set(0)
	obs.ActiveTunnels.Set(0)
	obs.Info("controller.stop", obs.Fields{"session": c.session().ID(), "was_running": wasRunning})
	c.addEntry(entryStopped)
}

// Running reports whether the last Start succeeded and no Stop followed.
func (c *Controller) Running() bool {
	c.gate.Lock()
	defer c.gate.Unlock()
	return c.running
}

func (c *Controller) newSession() *session.Session {
	var sess *session.Session
	sess = session.New(session.Options{
		ID:        c.opts.NewID(),
		Log:       c.opts.Log,
		Limiter:   limiter(c.opts.Limiter),
		OnChange:  c.publish,
		IsCurrent: func() bool { return c.session() == sess },
	})
	return sess
}

// limiter keeps a nil *RateLimiter from becoming a non-nil interface.
func limiter(rl *ratelimit.RateLimiter) session.Limiter {
	if rl == nil {
		return nil
	}
	return rl
}

func (c *Controller) startFailed(sess *session.Session, err error) error {
	obs.EngineStartFailuresTotal.Inc()
	obs.ErrorsTotal.WithLabelValues("startup").Inc()
	obs.Error("controller.start", obs.Fields{"session": sess.ID(), "err": err.Error()})
	return &StartupError{Err: err}
}

func (c *Controller) addEntry(msg string) {
	if c.opts.Log != nil {
		c.opts.Log.AddEntry(msg)
	}
}

func (c *Controller) publish(snap session.Snapshot) {
	if snap.SessionID != c.session().ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.MirrorTimeout)
	defer cancel()
	if err := c.opts.Mirror.Publish(ctx, snap); err != nil {
		obs.ErrorsTotal.WithLabelValues("mirror").Inc()
		obs.Warn("mirror.publish", obs.Fields{"session": snap.SessionID, "err": err.Error()})
	}
}

func (c *Controller) clearMirror(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.MirrorTimeout)
	defer cancel()
	if err := c.opts.Mirror.Clear(ctx); err != nil {
		obs.ErrorsTotal.WithLabelValues("mirror").Inc()
		obs.Warn("mirror.clear", obs.Fields{"err": err.Error()})
	}
}

func (c *Controller) session() *session.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cur
}

func (c *Controller) LocalSocksProxyPort() int { return c.session().LocalSocksProxyPort() }
func (c *Controller) LocalHttpProxyPort() int  { return c.session().LocalHttpProxyPort() }

// HomePages returns a sorted copy of the current session's home pages.
func (c *Controller) HomePages() []string { return c.session().HomePages() }

func (c *Controller) Snapshot() session.Snapshot { return c.session().Snapshot() }

// Ready is closed once the current session reaches its first tunnel. A later
// Start replaces the session, so callers should fetch the channel again.
func (c *Controller) Ready() <-chan struct{} { return c.session().Ready() }

// WaitReady blocks until the current session is ready or ctx ends.
func (c *Controller) WaitReady(ctx context.Context) error { return c.session().WaitReady(ctx) }

// provider is the engine's view of one session. Notices from an engine that
// has since been replaced still land on their own, discarded, session.
type provider struct {
	c    *Controller
	sess *session.Session
}

var _ engine.Provider = (*provider)(nil)

func (p *provider) Notice(noticeJSON string) { p.sess.HandleNotice(noticeJSON) }

func (p *provider) BindToDevice(fd int) error {
	prot := p.c.opts.Protector
	var err error
	if prot == nil {
		err = platform.ErrUnsupported
	} else {
		err = prot.Protect(fd)
	}
	if err == nil {
		return nil
	}
	obs.ProtectFailuresTotal.Inc()
	obs.ErrorsTotal.WithLabelValues("protect").Inc()
	obs.Warn("controller.protect", obs.Fields{"session": p.sess.ID(), "fd": fd, "err": err.Error()})
	return &ProtectError{FD: fd, Err: err}
}

func (p *provider) HasNetworkConnectivity() bool {
	return p.c.opts.Connectivity.HasNetworkConnectivity()
}
