// Package session holds the state of one engine run and the notice handler
// that drives it.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/matst80/psibot/internal/notice"
	"github.com/matst80/psibot/internal/obs"
)

// LogSink receives human-readable lifecycle entries.
type LogSink interface {
	AddEntry(message string)
}

// Limiter decides whether a notice of the given type may be written to the
// LogSink. It has no effect on state.
type Limiter interface {
	Allow(noticeType string) bool
}

// Snapshot is an immutable copy of a session's state.
type Snapshot struct {
	SessionID           string    `json:"session_id"`
	StartedAt           time.Time `json:"started_at"`
	LocalSocksProxyPort int       `json:"local_socks_proxy_port"`
	LocalHttpProxyPort  int       `json:"local_http_proxy_port"`
	HomePages           []string  `json:"home_pages"`
	Ready               bool      `json:"ready"`
}

// Options configure a Session. Only ID is required.
type Options struct {
	ID       string
	Log      LogSink
	Limiter  Limiter
	OnChange func(Snapshot) // called outside the lock after a notice changed state
	// IsCurrent reports whether this session still owns the process-wide
	// tunnel gauges. Nil means always.
	IsCurrent func() bool
	Now       func() time.Time
}

// Session is the state of a single engine run: the local proxy ports, the set
// of home pages, and the readiness latch. Notice handling and the accessors
// share one mutex, so a reader never sees half of a notice applied.
type Session struct {
	id        string
	startedAt time.Time
	latch     *Latch
	log       LogSink
	limiter   Limiter
	onChange  func(Snapshot)
	isCurrent func() bool

	mu        sync.Mutex
	socksPort int
	httpPort  int
	homePages map[string]struct{}
}

// New creates a session with zero ports, no home pages and a pending latch.
func New(opts Options) *Session {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Session{
		id:        opts.ID,
		startedAt: now().UTC(),
		latch:     NewLatch(),
		log:       opts.Log,
		limiter:   opts.Limiter,
		onChange:  opts.OnChange,
		isCurrent: opts.IsCurrent,
		homePages: make(map[string]struct{}),
	}
}

// HandleNotice applies one engine notice. Malformed notices are dropped
// without touching state and without a log entry.
func (s *Session) HandleNotice(raw string) {
	n, err := notice.Parse(raw)
	if err != nil {
		s.dropped(err)
		return
	}

	changed, err := s.apply(n)
	if err != nil {
		s.dropped(err)
		return
	}

	obs.NoticesTotal.WithLabelValues(n.Type).Inc()
	obs.Debug("notice", obs.Fields{"session": s.id, "type": n.Type, "data": string(n.Data)})
	if s.log != nil && (s.limiter == nil || s.limiter.Allow(n.Type)) {
		s.log.AddEntry(n.String())
	}
	if changed && s.onChange != nil {
		s.onChange(s.Snapshot())
	}
}

func (s *Session) apply(n notice.Notice) (bool, error) {
	switch n.Type {
	case notice.TypeTunnels:
		count, err := n.TunnelCount()
		if err != nil {
			return false, err
		}
		current := s.current()
		if current {
			obs.ActiveTunnels.Set(float64(count))
		}
		if count == 1 && s.latch.Signal() {
			if current {
				obs.TunnelReady.Set(1)
				obs.TunnelReadySeconds.Observe(time.Since(s.startedAt).Seconds())
			}
			obs.Info("session.ready", obs.Fields{"session": s.id, "current": current})
			return true, nil
		}
		return false, nil

	case notice.TypeListeningSocksProxyPort, notice.TypeListeningHttpProxyPort:
		port, err := n.Port()
		if err != nil {
			return false, err
		}
		s.mu.Lock()
		if n.Type == notice.TypeListeningSocksProxyPort {
			s.socksPort = port
		} else {
			s.httpPort = port
		}
		s.mu.Unlock()
		return true, nil

	case notice.TypeHomepage:
		url, err := n.URL()
		if err != nil {
			return false, err
		}
		s.mu.Lock()
		_, seen := s.homePages[url]
		s.homePages[url] = struct{}{}
		s.mu.Unlock()
		return !seen, nil
	}
	return false, nil
}

func (s *Session) current() bool {
	return s.isCurrent == nil || s.isCurrent()
}

func (s *Session) dropped(err error) {
	obs.NoticeParseErrorsTotal.Inc()
	obs.Debug("notice.parse", obs.Fields{"session": s.id, "err": err.Error()})
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// StartedAt returns when the session was created.
func (s *Session) StartedAt() time.Time { return s.startedAt }

func (s *Session) LocalSocksProxyPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socksPort
}

func (s *Session) LocalHttpProxyPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpPort
}

// HomePages returns a sorted copy of the home page set.
func (s *Session) HomePages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.homePagesLocked()
}

func (s *Session) homePagesLocked() []string {
	out := make([]string, 0, len(s.homePages))
	for u := range s.homePages {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Ready is closed once the first tunnel is established.
func (s *Session) Ready() <-chan struct{} { return s.latch.Done() }

// WaitReady blocks until the first tunnel is established or ctx ends.
func (s *Session) WaitReady(ctx context.Context) error { return s.latch.Wait(ctx) }

// Snapshot copies the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SessionID:           s.id,
		StartedAt:           s.startedAt,
		LocalSocksProxyPort: s.socksPort,
		LocalHttpProxyPort:  s.httpPort,
		HomePages:           s.homePagesLocked(),
		Ready:               s.latch.Signaled(),
	}
}
