// Package enginecfg builds the JSON configuration blob handed to the tunnel
// engine on every start: a template overlaid with host-environment values and
// user preferences.
package enginecfg

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strconv"

	"github.com/kelseyhightower/envconfig"
)

//go:embed psiphon_config.json
var defaultTemplate []byte

// Engine configuration field names.
const (
	FieldEgressRegion                = "EgressRegion"
	FieldTunnelProtocol              = "TunnelProtocol"
	FieldUpstreamHttpProxyAddress    = "UpstreamHttpProxyAddress"
	FieldLocalHttpProxyPort          = "LocalHttpProxyPort"
	FieldLocalSocksProxyPort         = "LocalSocksProxyPort"
	FieldConnectionWorkerPoolSize    = "ConnectionWorkerPoolSize"
	FieldTunnelPoolSize              = "TunnelPoolSize"
	FieldPortForwardFailureThreshold = "PortForwardFailureThreshold"
	FieldBindToDeviceDnsServer       = "BindToDeviceDnsServer"
	FieldDataStoreDirectory          = "DataStoreDirectory"
	FieldDataStoreTempDirectory      = "DataStoreTempDirectory"
)

// TunnelProtocols lists the protocols the engine accepts, in its default
// preference order. An empty TunnelProtocol lets the engine choose.
var TunnelProtocols = []string{
	"FRONTED-MEEK-OSSH",
	"UNFRONTED-MEEK-OSSH",
	"OSSH",
	"SSH",
}

// Environment holds values derived from the host rather than the user.
type Environment struct {
	DataStoreDirectory     string `envconfig:"DATA_DIR" default:"/var/lib/psibot"`
	DataStoreTempDirectory string `envconfig:"TEMP_DIR" default:"/var/cache/psibot"`
	// DNSServer, when set, is used instead of the discovered resolver.
	DNSServer string `envconfig:"DNS_SERVER"`
}

// LoadEnvironment reads Environment from variables named <prefix>_DATA_DIR etc.
func LoadEnvironment(prefix string) (Environment, error) {
	var env Environment
	if err := envconfig.Process(prefix, &env); err != nil {
		return Environment{}, loadErr("read environment", err)
	}
	return env, nil
}

// Builder assembles the configuration blob.
type Builder struct {
	// TemplatePath is a JSON template file. Empty uses the embedded template.
	TemplatePath string
	Env          Environment
	Preferences  Preferences
	// DNSResolver discovers the active network's resolver. Optional.
	DNSResolver func() (string, error)
	// Log receives a human-readable entry for non-fatal problems. Optional.
	Log func(message string)
}

// Build returns the merged configuration as JSON. Failures are
// *ConfigLoadError.
func (b *Builder) Build() ([]byte, error) {
	tmpl := defaultTemplate
	if b.TemplatePath != "" {
		data, err := os.ReadFile(b.TemplatePath)
		if err != nil {
			return nil, loadErr("read template", err)
		}
		tmpl = data
	}

	cfg := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(tmpl))
	dec.UseNumber()
	if err := dec.Decode(&cfg); err != nil {
		return nil, loadErr("parse template", err)
	}

	if dns := b.dnsServer(); dns != "" {
		cfg[FieldBindToDeviceDnsServer] = dns
	}
	cfg[FieldDataStoreDirectory] = b.Env.DataStoreDirectory
	cfg[FieldDataStoreTempDirectory] = b.Env.DataStoreTempDirectory

	prefs := b.Preferences
	protocol := prefs.Get(PrefTunnelProtocol)
	if protocol != "" && !slices.Contains(TunnelProtocols, protocol) {
		return nil, loadErr("preference "+PrefTunnelProtocol, fmt.Errorf("unsupported tunnel protocol %q", protocol))
	}
	cfg[FieldEgressRegion] = prefs.Get(PrefEgressRegion)
	cfg[FieldTunnelProtocol] = protocol
	cfg[FieldUpstreamHttpProxyAddress] = prefs.Get(PrefUpstreamHttpProxyAddress)

	ints := []struct {
		pref, field string
		min, max    int
	}{
		{PrefLocalHttpProxyPort, FieldLocalHttpProxyPort, 0, 65535},
		{PrefLocalSocksProxyPort, FieldLocalSocksProxyPort, 0, 65535},
		{PrefConnectionWorkerPoolSize, FieldConnectionWorkerPoolSize, 1, 1000},
		{PrefTunnelPoolSize, FieldTunnelPoolSize, 1, 100},
		{PrefPortForwardFailureThreshold, FieldPortForwardFailureThreshold, 0, 1 << 20},
	}
	for _, f := range ints {
		raw := prefs.Get(f.pref)
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, loadErr("preference "+f.pref, err)
		}
		if v < f.min || v > f.max {
			return nil, loadErr("preference "+f.pref, fmt.Errorf("%d out of range [%d, %d]", v, f.min, f.max))
		}
		cfg[f.field] = v
	}

	out, err := json.Marshal(cfg)
	if err != nil {
		return nil, loadErr("encode", err)
	}
	return out, nil
}

// dnsServer prefers the explicit override, then the discovered resolver. A
// discovery failure keeps the template value.
func (b *Builder) dnsServer() string {
	if b.Env.DNSServer != "" {
		return b.Env.DNSServer
	}
	if b.DNSResolver == nil {
		return ""
	}
	dns, err := b.DNSResolver()
	if err != nil {
		if b.Log != nil {
			b.Log("failed to get active network DNS resolver: " + err.Error())
		}
		return ""
	}
	return dns
}
