// Package notice decodes the JSON event notices emitted by the tunnel engine.
//
// A notice is a single JSON object of the form
//
//	{"noticeType": "ListeningSocksProxyPort", "data": {"port": 1080}, "timestamp": "..."}
//
// Notices are best-effort telemetry: callers are expected to drop anything that
// fails to decode rather than surface the error.
package notice

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Notice types that carry session state.
const (
	TypeTunnels                 = "Tunnels"
	TypeListeningSocksProxyPort = "ListeningSocksProxyPort"
	TypeListeningHttpProxyPort  = "ListeningHttpProxyPort"
	TypeHomepage                = "Homepage"
)

// Notice is one decoded engine notice. Data is kept raw until a typed accessor
// asks for a field.
type Notice struct {
	Type      string          `json:"noticeType"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// ParseError reports a notice that could not be decoded.
type ParseError struct {
	Type string // notice type when known
	Err  error
}

func (e *ParseError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("notice %s: %v", e.Type, e.Err)
	}
	return "notice: " + e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }

var (
	errMissingType = errors.New("missing noticeType")
	errMissingData = errors.New("data is not an object")
)

// Parse decodes a raw notice. The envelope must be an object with a non-empty
// noticeType and an object-valued data field.
func Parse(raw string) (Notice, error) {
	var n Notice
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return Notice{}, &ParseError{Err: err}
	}
	if n.Type == "" {
		return Notice{}, &ParseError{Err: errMissingType}
	}
	trimmed := bytes.TrimSpace(n.Data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Notice{}, &ParseError{Type: n.Type, Err: errMissingData}
	}
	n.Data = trimmed
	return n, nil
}

// TunnelCount returns data.count of a Tunnels notice.
func (n Notice) TunnelCount() (int, error) {
	var p struct {
		Count *int `json:"count"`
	}
	if err := n.decode(&p); err != nil {
		return 0, err
	}
	if p.Count == nil {
		return 0, n.missing("count")
	}
	return *p.Count, nil
}

// Port returns data.port of a Listening*ProxyPort notice.
func (n Notice) Port() (int, error) {
	var p struct {
		Port *int `json:"port"`
	}
	if err := n.decode(&p); err != nil {
		return 0, err
	}
	if p.Port == nil {
		return 0, n.missing("port")
	}
	return *p.Port, nil
}

// URL returns data.url of a Homepage notice.
func (n Notice) URL() (string, error) {
	var p struct {
		URL *string `json:"url"`
	}
	if err := n.decode(&p); err != nil {
		return "", err
	}
	if p.URL == nil {
		return "", n.missing("url")
	}
	return *p.URL, nil
}

// String renders the notice the way it is written to the lifecycle log:
// the type followed by the compacted data object.
func (n Notice) String() string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, n.Data); err != nil {
		return n.Type + " " + string(n.Data)
	}
	return n.Type + " " + buf.String()
}

func (n Notice) decode(v any) error {
	if err := json.Unmarshal(n.Data, v); err != nil {
		return &ParseError{Type: n.Type, Err: err}
	}
	return nil
}

func (n Notice) missing(field string) error {
	return &ParseError{Type: n.Type, Err: fmt.Errorf("missing data.%s", field)}
}
