package copilot

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"pkt.systems/pslog"
)

// Options holds configuration for a Client.
//
// Options are provided via functional options passed to NewClient. All
// fields have sensible defaults and can be selectively overridden; values
// from a loaded settings file apply first, explicit options win.
type Options struct {
	// ServerPath is the path to the language server binary. If empty, the
	// binary installed by the version manager is used.
	ServerPath string

	// ServerArgs are extra arguments appended after "--stdio".
	ServerArgs []string

	// StorageRoot is where server versions are installed.
	// Default: <user cache dir>/copilot-client.
	StorageRoot string

	// PluginName namespaces the install directory under StorageRoot.
	PluginName string

	// Cwd is the working directory for the server subprocess.
	Cwd string

	// Env are extra environment variables for the server subprocess.
	Env map[string]string

	// EditorName and EditorVersion identify the host editor to the server.
	EditorName    string
	EditorVersion string

	// PluginVersion identifies this client to the server.
	PluginVersion string

	// Settings are the loaded user settings. Nil means defaults.
	Settings *Settings

	// Proxy overrides Settings.Proxy when non-empty.
	Proxy string

	// LocalChecksOnly makes checkStatus skip the network round trip.
	LocalChecksOnly bool

	// Debounce overrides the settings-file completion debounce window.
	Debounce time.Duration

	// MaxStaleRetries bounds consecutive stale-response re-triggers per
	// surface. Zero means the default of 5.
	MaxStaleRetries int

	// Runner overrides subprocess execution, primarily for testing.
	Runner ServerRunner

	// HTTPClient is used for archive downloads and avatar fetches.
	HTTPClient *http.Client

	// Logger receives structured logs. Default: the context-bound logger.
	Logger pslog.Logger

	// OnCompletionRefresh is called after a surface's completion set
	// changes. The host re-renders by pulling the current set.
	OnCompletionRefresh func(SurfaceID)

	// OnPanelRefresh is called after a panel session changes.
	OnPanelRefresh func(panelID string)

	// OnConversationRefresh is called after a conversation session changes.
	OnConversationRefresh func(WindowID)

	// OnStatusRefresh is called after account status or status bar text
	// changes.
	OnStatusRefresh func()
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = os.TempDir()
	}
	return Options{
		StorageRoot:   filepath.Join(cacheDir, "copilot-client"),
		PluginName:    "copilot",
		EditorName:    "unknown-editor",
		EditorVersion: "0",
		PluginVersion: "0.1.0",
		Env:           make(map[string]string),
	}
}

// Option is a functional option for configuring a Client.
type Option func(*Options)

// WithServerPath sets an explicit language server binary path, bypassing
// the version manager.
func WithServerPath(path string) Option {
	return func(o *Options) {
		o.ServerPath = path
	}
}

// WithStorageRoot sets where server versions are installed.
func WithStorageRoot(dir string) Option {
	return func(o *Options) {
		o.StorageRoot = dir
	}
}

// WithEditorInfo identifies the host editor to the server.
func WithEditorInfo(name, version string) Option {
	return func(o *Options) {
		o.EditorName = name
		o.EditorVersion = version
	}
}

// WithPluginVersion identifies this client build to the server.
func WithPluginVersion(version string) Option {
	return func(o *Options) {
		o.PluginVersion = version
	}
}

// WithSettings supplies already-loaded settings.
func WithSettings(s *Settings) Option {
	return func(o *Options) {
		o.Settings = s
	}
}

// WithProxy routes server traffic through an HTTP proxy.
// Format: "host:port" or "username:password@host:port".
func WithProxy(proxy string) Option {
	return func(o *Options) {
		o.Proxy = proxy
	}
}

// WithLocalChecksOnly makes status checks skip the network round trip.
func WithLocalChecksOnly(local bool) Option {
	return func(o *Options) {
		o.LocalChecksOnly = local
	}
}

// WithDebounce sets the completion trigger collapse window.
func WithDebounce(d time.Duration) Option {
	return func(o *Options) {
		o.Debounce = d
	}
}

// WithMaxStaleRetries bounds consecutive stale-response re-triggers.
func WithMaxStaleRetries(n int) Option {
	return func(o *Options) {
		o.MaxStaleRetries = n
	}
}

// WithRunner overrides subprocess execution. Primarily for testing with
// MockServerRunner.
func WithRunner(r ServerRunner) Option {
	return func(o *Options) {
		o.Runner = r
	}
}

// WithHTTPClient sets the client used for downloads and avatar fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Options) {
		o.HTTPClient = c
	}
}

// WithLogger sets the structured logger.
func WithLogger(log pslog.Logger) Option {
	return func(o *Options) {
		o.Logger = log
	}
}

// WithEnv adds environment variables for the server subprocess.
func WithEnv(env map[string]string) Option {
	return func(o *Options) {
		if o.Env == nil {
			o.Env = make(map[string]string)
		}
		for k, v := range env {
			o.Env[k] = v
		}
	}
}

// WithCwd sets the working directory for the server subprocess.
func WithCwd(cwd string) Option {
	return func(o *Options) {
		o.Cwd = cwd
	}
}

// WithCompletionRefresh sets the completion re-render hook.
func WithCompletionRefresh(fn func(SurfaceID)) Option {
	return func(o *Options) {
		o.OnCompletionRefresh = fn
	}
}

// WithPanelRefresh sets the panel re-render hook.
func WithPanelRefresh(fn func(panelID string)) Option {
	return func(o *Options) {
		o.OnPanelRefresh = fn
	}
}

// WithConversationRefresh sets the conversation re-render hook.
func WithConversationRefresh(fn func(WindowID)) Option {
	return func(o *Options) {
		o.OnConversationRefresh = fn
	}
}

// WithStatusRefresh sets the status bar re-render hook.
func WithStatusRefresh(fn func()) Option {
	return func(o *Options) {
		o.OnStatusRefresh = fn
	}
}

// settings returns the effective settings, defaulting when none were
// loaded.
func (o *Options) settings() *Settings {
	if o.Settings != nil {
		return o.Settings
	}
	return DefaultSettings()
}

// logger returns the configured logger or the context-bound default.
func (o *Options) logger() pslog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return pslog.Ctx(context.Background())
}

// debounce returns the effective trigger collapse window.
func (o *Options) debounce() time.Duration {
	if o.Debounce > 0 {
		return o.Debounce
	}
	if ms := o.settings().DebounceMillis; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return 500 * time.Millisecond
}

// maxStaleRetries returns the effective stale re-trigger bound.
func (o *Options) maxStaleRetries() int {
	if o.MaxStaleRetries > 0 {
		return o.MaxStaleRetries
	}
	return 5
}

// httpClient returns the configured HTTP client, or one routed through the
// configured proxy, or a default.
func (o *Options) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	if cfg := o.proxyConfig(); cfg != nil {
		if proxyURL, err := url.Parse(cfg.URL()); err == nil {
			return &http.Client{
				Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
			}
		}
	}
	return http.DefaultClient
}

// proxyConfig returns the effective proxy configuration, or nil when none
// is set or the value is malformed.
func (o *Options) proxyConfig() *ProxyConfig {
	raw := o.Proxy
	if raw == "" {
		raw = o.settings().Proxy
	}
	cfg, err := ParseProxy(raw)
	if err != nil {
		return nil
	}
	return cfg
}

// proxyEnv returns proxy environment variables for the server subprocess,
// or nil when no proxy is configured.
func (o *Options) proxyEnv() []string {
	cfg := o.proxyConfig()
	if cfg == nil {
		return nil
	}
	return cfg.Env()
}

// localChecksOnly returns the effective local-checks flag.
func (o *Options) localChecksOnly() bool {
	return o.LocalChecksOnly || o.settings().LocalChecksOnly
}

// telemetryEnabled reports whether accept/reject telemetry is sent.
func (o *Options) telemetryEnabled() bool {
	return !o.settings().TelemetryDisabled
}
