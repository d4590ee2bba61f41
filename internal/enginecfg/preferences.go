package enginecfg

import (
	"errors"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// Preference keys as stored in the preferences file. Values are always
// strings, the same way the settings UI stores them.
const (
	PrefEgressRegion                = "egressRegion"
	PrefTunnelProtocol              = "tunnelProtocol"
	PrefUpstreamHttpProxyAddress    = "upstreamHttpProxyAddress"
	PrefLocalHttpProxyPort          = "localHttpProxyPort"
	PrefLocalSocksProxyPort         = "localSocksProxyPort"
	PrefConnectionWorkerPoolSize    = "connectionWorkerPoolSize"
	PrefTunnelPoolSize              = "tunnelPoolSize"
	PrefPortForwardFailureThreshold = "portForwardFailureThreshold"
)

var defaultPreferences = Preferences{
	PrefEgressRegion:                "",
	PrefTunnelProtocol:              "",
	PrefUpstreamHttpProxyAddress:    "",
	PrefLocalHttpProxyPort:          "0",
	PrefLocalSocksProxyPort:         "0",
	PrefConnectionWorkerPoolSize:    "10",
	PrefTunnelPoolSize:              "1",
	PrefPortForwardFailureThreshold: "10",
}

// Preferences are user-chosen settings keyed by the Pref* constants.
type Preferences map[string]string

// Get returns the stored value or the default for key.
func (p Preferences) Get(key string) string {
	if v, ok := p[key]; ok {
		return v
	}
	return defaultPreferences[key]
}

// KnownPreference reports whether key is one of the Pref* constants.
func KnownPreference(key string) bool {
	_, ok := defaultPreferences[key]
	return ok
}

// LoadPreferences reads a YAML preferences file. A missing file yields empty
// preferences, so every key falls back to its default.
func LoadPreferences(path string) (Preferences, error) {
	if path == "" {
		return Preferences{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Preferences{}, nil
		}
		return nil, loadErr("read preferences", err)
	}
	prefs := Preferences{}
	if err := yaml.Unmarshal(data, &prefs); err != nil {
		return nil, loadErr("parse preferences", err)
	}
	return prefs, nil
}

// Save writes the preferences as YAML.
func (p Preferences) Save(path string) error {
	data, err := yaml.Marshal(map[string]string(p))
	if err != nil {
		return loadErr("encode preferences", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return loadErr("write preferences", err)
	}
	return nil
}
