package copilot

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Settings holds the user-editable configuration loaded from a YAML file.
// Zero values fall back to defaults; explicit functional options win over
// settings-file values.
type Settings struct {
	// Proxy routes server traffic through an HTTP proxy. Format:
	// "host:port" or "username:password@host:port".
	Proxy string `yaml:"proxy"`

	// LocalChecksOnly makes checkStatus skip the network round trip.
	LocalChecksOnly bool `yaml:"local_checks_only"`

	// DebounceMillis is the completion trigger collapse window.
	DebounceMillis int `yaml:"debounce"`

	// StatusTemplate renders the status bar text. It is a text/template
	// body with .Message, .Status and .Busy available.
	StatusTemplate string `yaml:"status_text"`

	// CompletionStyle selects how the host renders completions
	// ("phantom" or "popup"). Passed through to the host, not
	// interpreted here.
	CompletionStyle string `yaml:"completion_style"`

	// TelemetryDisabled opts out of acceptance/rejection telemetry.
	TelemetryDisabled bool `yaml:"disable_telemetry"`
}

// DefaultSettings returns the settings used when no file is present.
func DefaultSettings() *Settings {
	return &Settings{
		DebounceMillis:  500,
		StatusTemplate:  "{{.Message}}",
		CompletionStyle: "popup",
	}
}

// LoadSettings reads a YAML settings file. Missing fields keep their
// defaults; a missing file is an error so the caller can distinguish "no
// file configured" from "file configured but unreadable".
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	settings := DefaultSettings()
	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}

	return settings, nil
}

// ProxyConfig is a parsed proxy setting.
type ProxyConfig struct {
	Host     string
	Port     string
	Username string
	Password string
}

// ParseProxy splits a "user:pass@host:port" proxy setting. An empty value
// returns nil with no error.
func ParseProxy(raw string) (*ProxyConfig, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	cfg := &ProxyConfig{}
	hostPart := raw
	if at := strings.LastIndex(raw, "@"); at >= 0 {
		creds := raw[:at]
		hostPart = raw[at+1:]
		if colon := strings.Index(creds, ":"); colon >= 0 {
			cfg.Username = creds[:colon]
			cfg.Password = creds[colon+1:]
		} else {
			cfg.Username = creds
		}
	}

	colon := strings.LastIndex(hostPart, ":")
	if colon <= 0 || colon == len(hostPart)-1 {
		return nil, &ErrInvalidConfiguration{
			Field:  "proxy",
			Reason: fmt.Sprintf("expected host:port, got %q", hostPart),
		}
	}
	cfg.Host = hostPart[:colon]
	cfg.Port = hostPart[colon+1:]

	return cfg, nil
}

// URL renders the proxy as an http URL with credentials embedded.
func (p *ProxyConfig) URL() string {
	u := url.URL{
		Scheme: "http",
		Host:   p.Host + ":" + p.Port,
	}
	if p.Username != "" {
		if p.Password != "" {
			u.User = url.UserPassword(p.Username, p.Password)
		} else {
			u.User = url.User(p.Username)
		}
	}
	return u.String()
}

// Env returns the environment variables the server subprocess needs to use
// the proxy.
func (p *ProxyConfig) Env() []string {
	u := p.URL()
	return []string{
		"HTTP_PROXY=" + u,
		"HTTPS_PROXY=" + u,
	}
}
