// Command psibotctl queries a running psibotd.
//
//	psibotctl [flags] state          ports, readiness and home pages (default)
//	psibotctl [flags] wait           block until the tunnel is ready
//	psibotctl [flags] log            print the lifecycle log
//	psibotctl [flags] follow         stream new log entries
//	psibotctl [flags] pref [k [v]]   show or edit engine preferences
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/matst80/psibot/internal/enginecfg"
	"github.com/matst80/psibot/internal/logsink"
	"github.com/matst80/psibot/internal/session"
)

func main() {
	log.SetFlags(0)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Printf("psibotctl: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, rest, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	cmd := "state"
	if len(rest) > 0 {
		cmd, rest = rest[0], rest[1:]
	}
	c := &client{base: cfg.Addr, http: &http.Client{Timeout: 10 * time.Second}}
	switch cmd {
	case "state":
		return c.state(ctx, stdout)
	case "wait":
		return c.wait(ctx, cfg.Timeout, stdout)
	case "log":
		return c.log(ctx, cfg.Tail, stdout)
	case "follow":
		return c.follow(ctx, cfg.Tail, stdout)
	case "pref":
		return pref(cfg.Prefs, rest, stdout)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

type client struct {
	base string
	http *http.Client
}

func (c *client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: %s %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%s: decode: %w", path, err)
	}
	return nil
}

func (c *client) state(ctx context.Context, w io.Writer) error {
	var snap session.Snapshot
	if err := c.getJSON(ctx, "/api/state", &snap); err != nil {
		return err
	}
	status := "connecting"
	if snap.Ready {
		status = "connected"
	}
	fmt.Fprintf(w, "session     %s\n", snap.SessionID)
	fmt.Fprintf(w, "status      %s\n", status)
	fmt.Fprintf(w, "socks port  %d\n", snap.LocalSocksProxyPort)
	fmt.Fprintf(w, "http port   %d\n", snap.LocalHttpProxyPort)
	for _, u := range snap.HomePages {
		fmt.Fprintf(w, "home page   %s\n", u)
	}
	return nil
}

// wait polls /readyz until it answers 200 or timeout elapses.
func (c *client) wait(ctx context.Context, timeout time.Duration, w io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/readyz", nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				fmt.Fprintln(w, "ready")
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("tunnel not ready after %s", timeout)
		case <-ticker.C:
		}
	}
}

func (c *client) log(ctx context.Context, tail int, w io.Writer) error {
	path := "/api/log"
	if tail > 0 {
		path += fmt.Sprintf("?tail=%d", tail)
	}
	var entries []logsink.Entry
	if err := c.getJSON(ctx, path, &entries); err != nil {
		return err
	}
	for _, e := range entries {
		printEntry(w, e)
	}
	return nil
}

func (c *client) follow(ctx context.Context, tail int, w io.Writer) error {
	url := "ws" + strings.TrimPrefix(c.base, "http") + "/api/notices/stream"
	if tail > 0 {
		url += fmt.Sprintf("?tail=%d", tail)
	}
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.CloseNow()
	for {
		var e logsink.Entry
		if err := wsjson.Read(ctx, conn, &e); err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				conn.Close(websocket.StatusNormalClosure, "")
				return nil
			}
			return err
		}
		printEntry(w, e)
	}
}

func printEntry(w io.Writer, e logsink.Entry) {
	fmt.Fprintf(w, "%s %s\n", e.Time.Local().Format("15:04:05"), e.Message)
}

// pref prints all preferences, prints one key, or sets one key.
func pref(path string, args []string, w io.Writer) error {
	prefs, err := enginecfg.LoadPreferences(path)
	if err != nil {
		return err
	}
	switch len(args) {
	case 0:
		keys := make([]string, 0, len(prefs))
		for k := range prefs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "%s=%s\n", k, prefs[k])
		}
		return nil
	case 1:
		fmt.Fprintln(w, prefs.Get(args[0]))
		return nil
	case 2:
		if !enginecfg.KnownPreference(args[0]) {
			return fmt.Errorf("unknown preference %q", args[0])
		}
		prefs[args[0]] = args[1]
		check := enginecfg.Builder{Preferences: prefs}
		if _, err := check.Build(); err != nil {
			return fmt.Errorf("not saved: %w", err)
		}
		if err := prefs.Save(path); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s=%s (restart psibotd with SIGHUP to apply)\n", args[0], args[1])
		return nil
	}
	return errors.New("usage: pref [key [value]]")
}
