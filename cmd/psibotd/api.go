package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/matst80/psibot/internal/logsink"
	"github.com/matst80/psibot/internal/obs"
	"github.com/matst80/psibot/internal/session"
	"github.com/matst80/psibot/internal/web"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const streamBuffer = 64

type stateSource interface {
	Snapshot() session.Snapshot
}

// newRouter serves Prometheus metrics, health and readiness probes, the
// session state, the lifecycle log and the dashboard.
func newRouter(state stateSource, log *logsink.Log) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !state.Snapshot().Ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Route("/api", func(r chi.Router) {
		r.Get("/state", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, state.Snapshot())
		})
		r.Get("/log", func(w http.ResponseWriter, r *http.Request) {
			n, err := tailParam(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if n > 0 {
				writeJSON(w, log.Tail(n))
				return
			}
			writeJSON(w, log.Entries())
		})
		r.Get("/notices/stream", streamHandler(log))
	})
	r.Get("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		data := map[string]any{
			"Snapshot": state.Snapshot(),
			"Entries":  log.Tail(100),
		}
		if err := web.Render(w, "dashboard", data); err != nil {
			w.WriteHeader(http.StatusNotImplemented)
			_, _ = w.Write([]byte("dashboard template missing"))
		}
	})
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// tailParam reads ?tail=N; zero means everything.
func tailParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("tail")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errBadTail
	}
	return n, nil
}

var errBadTail = errors.New("tail must be a non-negative integer")

// streamHandler sends each new log entry as one JSON WebSocket message. With
// ?tail=N the last N entries are sent first.
func streamHandler(log *logsink.Log) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := tailParam(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			obs.Error("api.stream.accept", obs.Fields{"err": err.Error()})
			return
		}
		defer conn.CloseNow()

		backlog, entries, cancel := log.SubscribeWithTail(n, streamBuffer)
		defer cancel()
		// Only pings and close frames are expected from the peer.
		ctx := conn.CloseRead(r.Context())

		for _, e := range backlog {
			if err := wsjson.Write(ctx, conn, e); err != nil {
				return
			}
		}
		obs.Debug("api.stream.open", obs.Fields{"remote": r.RemoteAddr})
		for {
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "")
				return
			case e := <-entries:
				if err := wsjson.Write(ctx, conn, e); err != nil {
					obs.Debug("api.stream.write", obs.Fields{"err": err.Error()})
					return
				}
			}
		}
	}
}
