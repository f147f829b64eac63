package copilot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"text/template"

	"pkt.systems/pslog"
)

// Client is the top-level handle for a Copilot language server session.
//
// It owns the server subprocess, the JSON-RPC connection, and the session
// managers for inline completions, panel completions, and conversations.
// A Client is safe for concurrent use once Connect has returned.
type Client struct {
	opts     Options
	settings *Settings
	log      pslog.Logger

	registry  *Registry
	installer *VersionManager
	account   *AccountState

	transport Transport
	conn      *Conn

	// Completions manages inline completion sessions per surface.
	Completions *CompletionManager

	// Panels manages streamed panel completion sessions.
	Panels *PanelManager

	// Conversations manages chat sessions per window.
	Conversations *ConversationManager

	statusMu   sync.RWMutex
	statusBar  StatusNotificationParams
	flags      FeatureFlags
	busy       int
	statusTmpl *template.Template
}

// statusView is the data rendered into the status bar template.
type statusView struct {
	Message string
	Status  string
	Busy    bool
}

// NewClient creates a client from the given options. No subprocess is
// started until Connect.
func NewClient(options ...Option) (*Client, error) {
	opts := DefaultOptions()
	for _, option := range options {
		option(&opts)
	}

	settings := opts.settings()
	log := opts.logger().With("component", "client")

	tmpl, err := template.New("status").Parse(settings.StatusTemplate)
	if err != nil {
		return nil, &ErrInvalidConfiguration{
			Field:  "status_text",
			Reason: err.Error(),
		}
	}

	c := &Client{
		opts:       opts,
		settings:   settings,
		log:        log,
		registry:   NewRegistry(),
		account:    NewAccountState(opts.httpClient(), opts.logger()),
		statusTmpl: tmpl,
	}
	c.installer = NewVersionManager(&c.opts)

	return c, nil
}

// Registry returns the surface and window registry. Hosts attach their
// views here before triggering completions.
func (c *Client) Registry() *Registry {
	return c.registry
}

// NeedsInstall reports whether the pinned server version must be
// downloaded before Connect can use the managed binary.
func (c *Client) NeedsInstall() bool {
	return c.opts.ServerPath == "" && c.installer.NeedsInstall()
}

// Install downloads and installs the pinned server version if missing.
func (c *Client) Install(ctx context.Context) error {
	return c.installer.Install(ctx)
}

// ServerVersion returns the pinned language server version.
func (c *Client) ServerVersion() string {
	return c.installer.Version()
}

// ServerRuntimeVersion asks the running server for its own version. Useful
// when an explicit ServerPath bypasses the pinned install.
func (c *Client) ServerRuntimeVersion(ctx context.Context) (string, error) {
	raw, err := c.conn.Request(ctx, methodGetVersion, map[string]any{})
	if err != nil {
		return "", err
	}
	var result struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", &ErrProtocolViolation{
			Message: fmt.Sprintf("malformed getVersion result: %v", err),
		}
	}
	return result.Version, nil
}

// Connect starts the language server subprocess, performs the protocol
// handshake, and begins dispatching messages. It must be called before any
// completion or conversation operation.
func (c *Client) Connect(ctx context.Context) error {
	runner := c.opts.Runner
	if runner == nil {
		serverPath := c.opts.ServerPath
		if serverPath == "" {
			serverPath = c.installer.BinaryPath()
		}
		if _, err := os.Stat(serverPath); err != nil {
			return &ErrServerNotFound{Path: serverPath}
		}
		runner = NewLocalServerRunner(serverPath)
	}

	c.transport = NewStdioTransport(runner, &c.opts)
	if err := c.transport.Connect(ctx); err != nil {
		return err
	}

	c.conn = NewConn(c.transport, c.opts.logger())

	c.Completions = NewCompletionManager(c.conn, c.account, c.registry, &c.opts)
	c.Panels = NewPanelManager(c.conn, c.account, c.registry, &c.opts)
	c.Conversations = NewConversationManager(c.conn, c.account, c.registry, &c.opts)

	c.conn.Handle(methodProgress, c.Conversations.handleProgress)
	c.conn.Handle(methodPanelSolution, c.Panels.handleSolution)
	c.conn.Handle(methodPanelSolutionDone, c.Panels.handleDone)
	c.conn.Handle(methodStatusNotify, c.handleStatusNotification)
	c.conn.Handle(methodFeatureFlags, c.handleFeatureFlags)
	c.conn.Handle(methodLogMessage, c.handleLogMessage)
	c.conn.HandleRequest(methodConversationCtx, c.Conversations.handleContextRequest)

	c.conn.Start()

	if err := c.handshake(ctx); err != nil {
		c.conn.Close()
		c.transport.Close()
		return err
	}

	c.log.Info("connected to language server")
	return nil
}

// handshake performs the LSP initialize exchange and identifies the editor.
func (c *Client) handshake(ctx context.Context) error {
	editorInfo := map[string]string{
		"name":    c.opts.EditorName,
		"version": c.opts.EditorVersion,
	}
	pluginInfo := map[string]string{
		"name":    c.opts.PluginName,
		"version": c.opts.PluginVersion,
	}

	initParams := map[string]any{
		"processId": os.Getpid(),
		"capabilities": map[string]any{
			"workspace": map[string]any{
				"workspaceFolders": true,
			},
		},
		"initializationOptions": map[string]any{
			"editorInfo":       editorInfo,
			"editorPluginInfo": pluginInfo,
		},
	}
	if _, err := c.conn.Request(ctx, methodInitialize, initParams); err != nil {
		return err
	}
	if err := c.conn.Notify(methodInitialized, map[string]any{}); err != nil {
		return err
	}

	editorParams := map[string]any{
		"editorInfo":       editorInfo,
		"editorPluginInfo": pluginInfo,
	}
	if proxy := c.proxyConfig(); proxy != nil {
		editorParams["networkProxy"] = map[string]any{
			"host": proxy.Host,
			"port": proxy.Port,
			"user": proxy.Username,
			"pass": proxy.Password,
		}
	}
	_, err := c.conn.Request(ctx, methodSetEditorInfo, editorParams)
	return err
}

func (c *Client) proxyConfig() *ProxyConfig {
	raw := c.opts.Proxy
	if raw == "" {
		raw = c.settings.Proxy
	}
	cfg, err := ParseProxy(raw)
	if err != nil {
		c.log.Warn("ignoring malformed proxy setting", "err", err)
		return nil
	}
	return cfg
}

// CheckStatus queries the server for account status and updates the gate.
func (c *Client) CheckStatus(ctx context.Context) (AccountStatus, error) {
	status, err := c.account.CheckStatus(ctx, c.conn, c.opts.localChecksOnly())
	if err == nil {
		c.refreshStatus()
	}
	return status, err
}

// AccountStatus returns the last known account status without a server
// round trip.
func (c *Client) AccountStatus() AccountStatus {
	return c.account.Status()
}

// SignIn starts the device-code sign-in flow. The caller shows the
// returned user code and verification URI, then calls SignInConfirm.
func (c *Client) SignIn(ctx context.Context) (SignInInitiateResult, error) {
	result, err := c.account.SignIn(ctx, c.conn)
	if err == nil {
		c.refreshStatus()
	}
	return result, err
}

// SignInConfirm completes the device-code flow after the user authorized
// the code in their browser.
func (c *Client) SignInConfirm(ctx context.Context, userCode string) (AccountStatus, error) {
	status, err := c.account.SignInConfirm(ctx, c.conn, userCode)
	if err == nil {
		c.refreshStatus()
	}
	return status, err
}

// SignOut clears the server-side session and local account state.
func (c *Client) SignOut(ctx context.Context) error {
	err := c.account.SignOut(ctx, c.conn)
	if err == nil {
		c.refreshStatus()
	}
	return err
}

// Avatar returns the signed-in user's avatar image, if fetched.
func (c *Client) Avatar() []byte {
	return c.account.Avatar()
}

// FeatureFlags returns the server-pushed feature flags.
func (c *Client) FeatureFlags() FeatureFlags {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.flags
}

// SetBusy adjusts the busy indicator rendered by StatusText. Hosts bracket
// long-running requests with SetBusy(true)/SetBusy(false).
func (c *Client) SetBusy(busy bool) {
	c.statusMu.Lock()
	if busy {
		c.busy++
	} else if c.busy > 0 {
		c.busy--
	}
	c.statusMu.Unlock()
	c.refreshStatus()
}

// StatusText renders the status bar text from the configured template.
// The template sees .Message, .Status, and .Busy.
func (c *Client) StatusText() string {
	c.statusMu.RLock()
	view := statusView{
		Message: c.statusBar.Message,
		Status:  c.statusBar.Status,
		Busy:    c.busy > 0,
	}
	c.statusMu.RUnlock()

	var sb strings.Builder
	if err := c.statusTmpl.Execute(&sb, view); err != nil {
		c.log.Warn("status template failed", "err", err)
		return view.Message
	}
	return sb.String()
}

// Close shuts down the connection and the server subprocess.
func (c *Client) Close() error {
	if c.conn != nil {
		c.conn.Close()
	}
	if c.transport != nil {
		return c.transport.Close()
	}
	return nil
}

func (c *Client) handleStatusNotification(raw json.RawMessage) {
	var params StatusNotificationParams
	if err := json.Unmarshal(raw, &params); err != nil {
		c.log.Warn("malformed status notification", "err", err)
		return
	}

	c.statusMu.Lock()
	c.statusBar = params
	c.statusMu.Unlock()

	c.log.Debug("status updated", "status", params.Status, "message", params.Message)
	c.refreshStatus()
}

func (c *Client) handleFeatureFlags(raw json.RawMessage) {
	var flags FeatureFlags
	if err := json.Unmarshal(raw, &flags); err != nil {
		c.log.Warn("malformed feature flags notification", "err", err)
		return
	}

	c.statusMu.Lock()
	c.flags = flags
	c.statusMu.Unlock()

	c.log.Debug("feature flags updated",
		"chat", flags.Chat, "snippets", flags.Snippets)
}

// handleLogMessage forwards server log lines at a level derived from the
// LSP message type (1=error, 2=warning, 3=info, 4=log).
func (c *Client) handleLogMessage(raw json.RawMessage) {
	var params LogMessageParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return
	}

	log := c.log.With("source", "server")
	switch params.Type {
	case 1:
		log.Error(params.Message)
	case 2:
		log.Warn(params.Message)
	case 3:
		log.Info(params.Message)
	default:
		log.Debug(params.Message)
	}
}

func (c *Client) refreshStatus() {
	if c.opts.OnStatusRefresh != nil {
		c.opts.OnStatusRefresh()
	}
}
