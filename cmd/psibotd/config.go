package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "PSIBOT"

// Config holds daemon settings. Environment variables (PSIBOT_*) provide the
// defaults and command-line flags override them.
type Config struct {
	HTTPAddr          string        `envconfig:"HTTP_ADDR" default:":9100"`
	EngineBinary      string        `envconfig:"ENGINE_BINARY" default:"psiphon-tunnel-core"`
	EngineWorkDir     string        `envconfig:"ENGINE_WORK_DIR" default:"/var/lib/psibot/engine"`
	EngineStopTimeout time.Duration `envconfig:"ENGINE_STOP_TIMEOUT" default:"5s"`
	ConfigTemplate    string        `envconfig:"CONFIG_TEMPLATE"`
	PreferencesFile   string        `envconfig:"PREFERENCES" default:"/etc/psibot/preferences.yaml"`
	ServerListFile    string        `envconfig:"SERVER_LIST"`
	ResolvConf        string        `envconfig:"RESOLV_CONF" default:"/etc/resolv.conf"`
	ProtectMark       int           `envconfig:"PROTECT_MARK"`
	ProtectInterface  string        `envconfig:"PROTECT_INTERFACE"`
	RedisAddr         string        `envconfig:"REDIS_ADDR"`
	RedisPassword     string        `envconfig:"REDIS_PASSWORD"`
	RedisDB           int           `envconfig:"REDIS_DB"`
	LogCapacity       int           `envconfig:"LOG_CAPACITY" default:"500"`
	NoticeRate        int           `envconfig:"NOTICE_RATE"`
	NoticeTypeRate    int           `envconfig:"NOTICE_TYPE_RATE"`
	NoticeBurst       int           `envconfig:"NOTICE_BURST" default:"20"`
	ReadyTimeout      time.Duration `envconfig:"READY_TIMEOUT" default:"2m"`
	Debug             bool          `envconfig:"DEBUG"`
}

// loadConfig reads the environment and then applies args as flag overrides.
func loadConfig(args []string) (Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}

	fs := flag.NewFlagSet("psibotd", flag.ContinueOnError)
	fs.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "address for the metrics, health and state API")
	fs.StringVar(&cfg.EngineBinary, "engine", cfg.EngineBinary, "tunnel core binary")
	fs.StringVar(&cfg.EngineWorkDir, "engine-dir", cfg.EngineWorkDir, "directory for the engine config and server list files")
	fs.DurationVar(&cfg.EngineStopTimeout, "engine-stop-timeout", cfg.EngineStopTimeout, "grace period before the engine is killed")
	fs.StringVar(&cfg.ConfigTemplate, "config-template", cfg.ConfigTemplate, "engine config JSON template (empty uses the built-in one)")
	fs.StringVar(&cfg.PreferencesFile, "prefs", cfg.PreferencesFile, "YAML preferences file, re-read on every start")
	fs.StringVar(&cfg.ServerListFile, "server-list", cfg.ServerListFile, "embedded server entry list file")
	fs.StringVar(&cfg.ResolvConf, "resolv-conf", cfg.ResolvConf, "resolv.conf used to discover the active DNS resolver")
	fs.IntVar(&cfg.ProtectMark, "protect-mark", cfg.ProtectMark, "SO_MARK applied to engine sockets (in-process engines only; ignored with a warning otherwise)")
	fs.StringVar(&cfg.ProtectInterface, "protect-interface", cfg.ProtectInterface, "bind engine sockets to this interface, takes precedence over -protect-mark (in-process engines only)")
	fs.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address for the state mirror (empty disables it)")
	fs.StringVar(&cfg.RedisPassword, "redis-password", cfg.RedisPassword, "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "Redis database")
	fs.IntVar(&cfg.LogCapacity, "log-capacity", cfg.LogCapacity, "lifecycle log entries kept in memory")
	fs.IntVar(&cfg.NoticeRate, "notice-rate", cfg.NoticeRate, "notices per second written to the log (0 = unlimited)")
	fs.IntVar(&cfg.NoticeTypeRate, "notice-type-rate", cfg.NoticeTypeRate, "notices per second per type written to the log (0 = unlimited)")
	fs.IntVar(&cfg.NoticeBurst, "notice-burst", cfg.NoticeBurst, "burst allowance for the notice rate limits")
	fs.DurationVar(&cfg.ReadyTimeout, "ready-timeout", cfg.ReadyTimeout, "how long to wait for the first tunnel before logging a warning")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logs")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
