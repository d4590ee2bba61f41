// Command psibotd supervises the tunnel engine and exposes its state over
// HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matst80/psibot/internal/controller"
	"github.com/matst80/psibot/internal/engine"
	"github.com/matst80/psibot/internal/enginecfg"
	"github.com/matst80/psibot/internal/logsink"
	"github.com/matst80/psibot/internal/mirror"
	"github.com/matst80/psibot/internal/obs"
	"github.com/matst80/psibot/internal/platform"
	"github.com/matst80/psibot/internal/ratelimit"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		obs.Error("config.load", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}
	if cfg.Debug {
		obs.EnableDebug(true)
	}

	eng := &engine.ExecEngine{
		Binary:      cfg.EngineBinary,
		WorkDir:     cfg.EngineWorkDir,
		StopTimeout: cfg.EngineStopTimeout,
	}
	d, err := newDaemon(cfg, eng)
	if err != nil {
		obs.Error("daemon.init", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	if err := d.run(ctx, hup); err != nil {
		os.Exit(1)
	}
}

type daemon struct {
	cfg    Config
	log    *logsink.Log
	mirror mirror.Publisher
	ctrl   *controller.Controller
	srv    *http.Server
}

func newDaemon(cfg Config, eng engine.Engine) (*daemon, error) {
	env, err := enginecfg.LoadEnvironment(envPrefix)
	if err != nil {
		return nil, err
	}
	var serverList string
	if cfg.ServerListFile != "" {
		data, err := os.ReadFile(cfg.ServerListFile)
		if err != nil {
			return nil, fmt.Errorf("read server list: %w", err)
		}
		serverList = string(data)
	}
	pub, err := mirror.NewPublisher(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, err
	}

	log := logsink.New(cfg.LogCapacity)
	var limiter *ratelimit.RateLimiter
	if cfg.NoticeRate > 0 || cfg.NoticeTypeRate > 0 {
		limiter = ratelimit.NewRateLimiter(cfg.NoticeRate, cfg.NoticeTypeRate, cfg.NoticeBurst)
	}
	resolvConf := cfg.ResolvConf
	builder := &prefsConfig{
		path: cfg.PreferencesFile,
		base: enginecfg.Builder{
			TemplatePath: cfg.ConfigTemplate,
			Env:          env,
			DNSResolver:  func() (string, error) { return platform.FirstDNSResolver(resolvConf) },
			Log:          log.AddEntry,
		},
	}

	ctrl := controller.New(controller.Options{
		Engine:       eng,
		Config:       builder,
		Protector:    protector(cfg, eng),
		Connectivity: platform.InterfaceProbe{},
		Log:          log,
		Mirror:       pub,
		Limiter:      limiter,
		ServerList:   serverList,
	})
	return &daemon{
		cfg:    cfg,
		log:    log,
		mirror: pub,
		ctrl:   ctrl,
		srv:    &http.Server{Addr: cfg.HTTPAddr, Handler: newRouter(ctrl, log), ReadHeaderTimeout: 10 * time.Second},
	}, nil
}

// protector picks the socket protector from the settings. A child-process
// engine never calls back into BindToDevice, so with one the settings are
// reported and ignored.
func protector(cfg Config, eng engine.Engine) platform.Protector {
	if cfg.ProtectInterface == "" && cfg.ProtectMark == 0 {
		return nil
	}
	if _, ok := eng.(*engine.ExecEngine); ok {
		obs.Warn("daemon.protect.unavailable", obs.Fields{
			"reason":            "engine runs as a child process and cannot protect its sockets through psibotd",
			"protect_mark":      cfg.ProtectMark,
			"protect_interface": cfg.ProtectInterface,
		})
		return nil
	}
	switch {
	case cfg.ProtectInterface != "":
		return platform.InterfaceProtector{Interface: cfg.ProtectInterface}
	case cfg.ProtectMark != 0:
		return platform.MarkProtector{Mark: cfg.ProtectMark}
	}
	return nil
}

// prefsConfig re-reads the preferences file on every build, so a restart
// picks up edits.
type prefsConfig struct {
	path string
	base enginecfg.Builder
}

func (p *prefsConfig) Build() ([]byte, error) {
	prefs, err := enginecfg.LoadPreferences(p.path)
	if err != nil {
		return nil, err
	}
	b := p.base
	b.Preferences = prefs
	return b.Build()
}

// run serves HTTP and drives the controller until ctx ends. A value on hup
// restarts the engine with a fresh session.
func (d *daemon) run(ctx context.Context, hup <-chan os.Signal) error {
	obs.Info("daemon.start", obs.Fields{"http": d.cfg.HTTPAddr, "engine": d.cfg.EngineBinary, "mirror": d.cfg.RedisAddr != ""})
	go func() {
		if err := d.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Error("http.server", obs.Fields{"err": err.Error(), "addr": d.cfg.HTTPAddr})
		}
	}()

	if err := d.ctrl.Start(ctx); err != nil {
		obs.Error("daemon.engine", obs.Fields{"err": err.Error()})
		d.shutdown()
		return err
	}
	cancelWait := d.awaitReady(ctx)

	for {
		select {
		case <-ctx.Done():
			cancelWait()
			obs.Info("daemon.shutdown.signal", obs.Fields{})
			d.shutdown()
			obs.Info("daemon.shutdown.complete", obs.Fields{})
			return nil
		case <-hup:
			cancelWait()
			if err := d.ctrl.Restart(ctx); err != nil {
				obs.Error("daemon.restart", obs.Fields{"err": err.Error()})
				cancelWait = func() {}
				continue
			}
			cancelWait = d.awaitReady(ctx)
		}
	}
}

// awaitReady logs the proxy ports once the session is ready, or a warning
// after ReadyTimeout. It never stops the daemon.
func (d *daemon) awaitReady(ctx context.Context) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	timeout := d.cfg.ReadyTimeout
	go func() {
		waitCtx := ctx
		if timeout > 0 {
			var stop context.CancelFunc
			waitCtx, stop = context.WithTimeout(ctx, timeout)
			defer stop()
		}
		if err := d.ctrl.WaitReady(waitCtx); err != nil {
			if ctx.Err() == nil {
				obs.Warn("tunnel.ready.timeout", obs.Fields{"timeout": timeout.String()})
			}
			return
		}
		snap := d.ctrl.Snapshot()
		obs.Info("tunnel.ready", obs.Fields{
			"session":    snap.SessionID,
			"socks_port": snap.LocalSocksProxyPort,
			"http_port":  snap.LocalHttpProxyPort,
			"home_pages": snap.HomePages,
		})
	}()
	return cancel
}

func (d *daemon) shutdown() {
	d.ctrl.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.srv.Shutdown(ctx); err != nil {
		obs.Error("http.shutdown", obs.Fields{"err": err.Error()})
	}
	if err := d.mirror.Clear(ctx); err != nil {
		obs.Warn("mirror.clear", obs.Fields{"err": err.Error()})
	}
	_ = d.mirror.Close()
}
