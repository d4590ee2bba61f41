// Package mirror relays session snapshots to processes that render them, such
// as a UI running outside the daemon.
package mirror

import (
	"context"

	"github.com/matst80/psibot/internal/obs"
	"github.com/matst80/psibot/internal/session"
)

// Publisher abstracts where snapshots go. Errors are for logging only; a
// failing mirror never affects the tunnel.
type Publisher interface {
	Publish(ctx context.Context, snap session.Snapshot) error
	Clear(ctx context.Context) error
	Close() error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, session.Snapshot) error { return nil }
func (nopPublisher) Clear(context.Context) error                     { return nil }
func (nopPublisher) Close() error                                    { return nil }

// Nop returns a Publisher that discards everything.
func Nop() Publisher { return nopPublisher{} }

// NewPublisher creates either a no-op or Redis-backed publisher based on
// configuration.
func NewPublisher(redisAddr, redisPassword string, redisDB int) (Publisher, error) {
	if redisAddr == "" {
		obs.Info("mirror.backend", obs.Fields{"type": "none"})
		return Nop(), nil
	}
	obs.Info("mirror.backend", obs.Fields{"type": "redis", "addr": redisAddr})
	return NewRedisPublisher(redisAddr, redisPassword, redisDB)
}
