package copilot

import (
	"encoding/json"
	"sync"
	"time"

	"pkt.systems/pslog"
)

// CompletionSet is the currently displayed completion state for one
// surface. SelectedIndex is always within [0, len(Items)) when Items is
// non-empty.
type CompletionSet struct {
	Items         []CompletionItem
	SelectedIndex int
	IsWaiting     bool

	// Region is the selection the items were requested at; the host
	// materializes accepted text there.
	Region Region
}

// CompletionManager owns one completion session per surface: debounce,
// staleness detection, and the displayed set.
//
// Requests are issued in pairs: a primary getCompletions whose response is
// discarded, and a getCompletionsCycling whose response supplies the
// displayed set. The server warms its cache on the primary call.
type CompletionManager struct {
	conn       rpc
	account    *AccountState
	registry   *Registry
	debounce   time.Duration
	maxRetries int
	telemetry  bool
	log        pslog.Logger
	onRefresh  func(SurfaceID)

	mu       sync.Mutex
	sessions map[SurfaceID]*completionSession
}

// completionSession is the per-surface state block. All field access goes
// through the session mutex; cross-surface operations share nothing.
type completionSession struct {
	mu      sync.Mutex
	timer   *time.Timer
	retries int
	set     CompletionSet
}

// NewCompletionManager wires a completion manager to a connection.
func NewCompletionManager(
	conn rpc,
	account *AccountState,
	registry *Registry,
	opts *Options,
) *CompletionManager {
	return &CompletionManager{
		conn:       conn,
		account:    account,
		registry:   registry,
		debounce:   opts.debounce(),
		maxRetries: opts.maxStaleRetries(),
		telemetry:  opts.telemetryEnabled(),
		log:        opts.logger().With("component", "completion"),
		onRefresh:  opts.OnCompletionRefresh,
		sessions:   make(map[SurfaceID]*completionSession),
	}
}

// Trigger requests completions for the surface.
//
// Ineligible surfaces and a failed account gate return typed skip errors
// without consuming a debounce slot. Rapid repeated triggers collapse to
// the last one; the currently shown set is hidden immediately.
func (m *CompletionManager) Trigger(id SurfaceID) error {
	surface, ok := m.registry.Surface(id)
	if !ok {
		return &ErrSurfaceIneligible{Surface: id, Reason: "not attached"}
	}
	if err := eligibleSurface(surface); err != nil {
		return err
	}
	if !m.account.Gate() {
		return &ErrNotAuthorized{}
	}

	session := m.session(id)
	session.mu.Lock()

	// Optimistic clear: hide the shown set before the round trip.
	cleared := len(session.set.Items) > 0
	session.set = CompletionSet{IsWaiting: true}
	session.retries = 0

	if session.timer != nil {
		session.timer.Stop()
	}
	session.timer = time.AfterFunc(m.debounce, func() {
		m.issue(id)
	})
	session.mu.Unlock()

	if cleared {
		m.refresh(id)
	}

	return nil
}

// issue sends the request pair for the surface's current state. Runs after
// the debounce window; the surface may have changed or closed since the
// trigger, so eligibility is rechecked.
func (m *CompletionManager) issue(id SurfaceID) {
	surface, ok := m.registry.Surface(id)
	if !ok || eligibleSurface(surface) != nil {
		return
	}

	// The issued region rides along to the response handler; the staleness
	// check compares it against the live selection on arrival.
	region := surface.Selections()[0]
	params := completionRequestParams{Doc: surface.Document()}

	// Primary request: the response is intentionally unused.
	m.conn.RequestAsync(methodGetCompletions, params, nil)

	m.conn.RequestAsync(methodGetCompletionsCycle, params, func(raw json.RawMessage, err error) {
		m.onCycling(id, region, raw, err)
	})
}

// onCycling handles the cycling response. A response issued against a
// selection that has since moved is discarded and a fresh request issued
// for the current state, bounded by maxRetries.
func (m *CompletionManager) onCycling(id SurfaceID, issued Region, raw json.RawMessage, err error) {
	session := m.session(id)

	if err != nil {
		m.log.Warn("completion request failed", "surface", id, "err", err)
		session.mu.Lock()
		session.set.IsWaiting = false
		session.mu.Unlock()
		return
	}

	surface, ok := m.registry.Surface(id)
	if !ok {
		return
	}

	live := surface.Selections()
	if len(live) != 1 || live[0] != issued {
		session.mu.Lock()
		session.retries++
		retries := session.retries
		session.mu.Unlock()

		if retries > m.maxRetries {
			m.log.Warn("abandoning stale completion chase", "surface", id, "retries", retries)
			return
		}
		m.log.Debug("stale completion response, reissuing", "surface", id)
		m.issue(id)
		return
	}

	var result CompletionsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		m.log.Warn("malformed completions payload", "surface", id, "err", err)
		return
	}

	session.mu.Lock()
	session.retries = 0
	if len(result.Completions) == 0 {
		session.set = CompletionSet{}
	} else {
		session.set = CompletionSet{
			Items:  result.Completions,
			Region: issued,
		}
	}
	session.mu.Unlock()

	m.refresh(id)
}

// CycleNext selects the next alternative completion. Pure local rotation,
// no network call.
func (m *CompletionManager) CycleNext(id SurfaceID) error {
	return m.cycle(id, 1)
}

// CyclePrevious selects the previous alternative completion.
func (m *CompletionManager) CyclePrevious(id SurfaceID) error {
	return m.cycle(id, -1)
}

func (m *CompletionManager) cycle(id SurfaceID, delta int) error {
	session := m.session(id)
	session.mu.Lock()
	n := len(session.set.Items)
	if n == 0 {
		session.mu.Unlock()
		return &ErrNoCompletions{Surface: id}
	}
	session.set.SelectedIndex = ((session.set.SelectedIndex+delta)%n + n) % n
	session.mu.Unlock()

	m.refresh(id)
	return nil
}

// Accept clears the set and returns the chosen item so the host can
// materialize its text at the recorded region. The server is told which
// completion was taken.
func (m *CompletionManager) Accept(id SurfaceID, index int) (CompletionItem, error) {
	session := m.session(id)
	session.mu.Lock()
	if len(session.set.Items) == 0 {
		session.mu.Unlock()
		return CompletionItem{}, &ErrNoCompletions{Surface: id}
	}
	if index < 0 || index >= len(session.set.Items) {
		index = session.set.SelectedIndex
	}
	item := session.set.Items[index]
	session.set = CompletionSet{}
	session.mu.Unlock()

	if m.telemetry {
		m.conn.RequestAsync(methodNotifyAccepted, map[string]any{"uuid": item.UUID}, nil)
	}

	m.refresh(id)
	return item, nil
}

// Reject clears the set and tells the server the shown completions were
// dismissed.
func (m *CompletionManager) Reject(id SurfaceID) {
	session := m.session(id)
	session.mu.Lock()
	uuids := make([]string, 0, len(session.set.Items))
	for _, item := range session.set.Items {
		uuids = append(uuids, item.UUID)
	}
	session.set = CompletionSet{}
	session.mu.Unlock()

	if m.telemetry && len(uuids) > 0 {
		m.conn.RequestAsync(methodNotifyRejected, map[string]any{"uuids": uuids}, nil)
	}

	m.refresh(id)
}

// Set returns a snapshot of the surface's displayed set.
func (m *CompletionManager) Set(id SurfaceID) (CompletionSet, bool) {
	m.mu.Lock()
	session, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return CompletionSet{}, false
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	snapshot := session.set
	snapshot.Items = append([]CompletionItem(nil), session.set.Items...)
	return snapshot, true
}

// Reset tears down the surface's session, abandoning any pending debounce.
// In-flight responses for the surface are dropped by the staleness check.
func (m *CompletionManager) Reset(id SurfaceID) {
	m.mu.Lock()
	session, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return
	}

	session.mu.Lock()
	if session.timer != nil {
		session.timer.Stop()
	}
	session.mu.Unlock()
}

// session returns the surface's state block, creating it on first use.
func (m *CompletionManager) session(id SurfaceID) *completionSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		session = &completionSession{}
		m.sessions[id] = session
	}
	return session
}

func (m *CompletionManager) refresh(id SurfaceID) {
	if m.onRefresh != nil {
		m.onRefresh(id)
	}
}
