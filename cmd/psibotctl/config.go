package main

import (
	"flag"
	"io"
	"strings"
	"time"
)

// Config holds psibotctl flags.
type Config struct {
	Addr    string
	Timeout time.Duration
	Tail    int
	Prefs   string
}

// parseFlags returns the config and the remaining command words.
func parseFlags(args []string, stderr io.Writer) (Config, []string, error) {
	var cfg Config
	fs := flag.NewFlagSet("psibotctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.Addr, "addr", "http://127.0.0.1:9100", "psibotd HTTP address")
	fs.DurationVar(&cfg.Timeout, "timeout", 2*time.Minute, "how long wait blocks before giving up")
	fs.IntVar(&cfg.Tail, "tail", 0, "log/follow: only the last N entries (0 = all for log, none for follow)")
	fs.StringVar(&cfg.Prefs, "prefs", "/etc/psibot/preferences.yaml", "pref: preferences file to read or edit")
	if err := fs.Parse(args); err != nil {
		return Config{}, nil, err
	}
	if !strings.Contains(cfg.Addr, "://") {
		cfg.Addr = "http://" + cfg.Addr
	}
	cfg.Addr = strings.TrimRight(cfg.Addr, "/")
	return cfg, fs.Args(), nil
}
