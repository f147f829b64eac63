package copilot

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"pkt.systems/pslog"
)

// PanelSession accumulates streamed alternative completions for one panel.
// Items are kept in arrival order; the server computes them out of order
// but the panel renders them as they came in.
type PanelSession struct {
	PanelID   string
	Surface   SurfaceID
	Items     []PanelSolution
	IsWaiting bool
}

// PanelManager owns panel sessions, keyed by the opaque panel ID that every
// streamed notification carries.
//
// A "done" notification only flips IsWaiting; the session keeps accepting
// late solutions until it is explicitly closed. Notifications for unknown
// panel IDs are an expected race with teardown and are dropped silently.
type PanelManager struct {
	conn      rpc
	account   *AccountState
	registry  *Registry
	log       pslog.Logger
	onRefresh func(panelID string)

	mu        sync.Mutex
	sessions  map[string]*PanelSession
	bySurface map[SurfaceID]string
}

// NewPanelManager wires a panel manager to a connection.
func NewPanelManager(
	conn rpc,
	account *AccountState,
	registry *Registry,
	opts *Options,
) *PanelManager {
	return &PanelManager{
		conn:      conn,
		account:   account,
		registry:  registry,
		log:       opts.logger().With("component", "panel"),
		onRefresh: opts.OnPanelRefresh,
		sessions:  make(map[string]*PanelSession),
		bySurface: make(map[SurfaceID]string),
	}
}

// Open issues a panel-completion request for the surface and returns the
// new panel ID. Any previous panel for the same surface is closed first.
func (m *PanelManager) Open(ctx context.Context, id SurfaceID) (string, error) {
	surface, ok := m.registry.Surface(id)
	if !ok {
		return "", &ErrSurfaceIneligible{Surface: id, Reason: "not attached"}
	}
	if err := eligibleSurface(surface); err != nil {
		return "", err
	}
	if !m.account.Gate() {
		return "", &ErrNotAuthorized{}
	}

	panelID := uuid.NewString()

	m.mu.Lock()
	if prev, ok := m.bySurface[id]; ok {
		delete(m.sessions, prev)
	}
	m.sessions[panelID] = &PanelSession{
		PanelID:   panelID,
		Surface:   id,
		IsWaiting: true,
	}
	m.bySurface[id] = panelID
	m.mu.Unlock()

	params := panelRequestParams{Doc: surface.Document(), PanelID: panelID}
	if _, err := m.conn.Request(ctx, methodGetPanelCompletions, params); err != nil {
		m.Close(panelID)
		return "", err
	}

	return panelID, nil
}

// handleSolution appends one streamed solution to its panel in arrival
// order. No dedup, no reordering.
func (m *PanelManager) handleSolution(raw json.RawMessage) {
	var solution PanelSolution
	if err := json.Unmarshal(raw, &solution); err != nil {
		m.log.Warn("malformed panel solution", "err", err)
		return
	}

	m.mu.Lock()
	session, ok := m.sessions[solution.PanelID]
	if !ok {
		m.mu.Unlock()
		m.log.Debug("solution for unknown panel", "panel", solution.PanelID)
		return
	}
	session.Items = append(session.Items, solution)
	m.mu.Unlock()

	m.refresh(solution.PanelID)
}

// handleDone flips the panel out of waiting state. Idempotent; a repeated
// done is a no-op.
func (m *PanelManager) handleDone(raw json.RawMessage) {
	var params PanelSolutionDoneParams
	if err := json.Unmarshal(raw, &params); err != nil {
		m.log.Warn("malformed panel done", "err", err)
		return
	}

	m.mu.Lock()
	session, ok := m.sessions[params.PanelID]
	if !ok {
		m.mu.Unlock()
		m.log.Debug("done for unknown panel", "panel", params.PanelID)
		return
	}
	session.IsWaiting = false
	m.mu.Unlock()

	m.refresh(params.PanelID)
}

// Close removes the session and its surface binding. Later notifications
// for the ID are dropped.
func (m *PanelManager) Close(panelID string) {
	m.mu.Lock()
	session, ok := m.sessions[panelID]
	if ok {
		delete(m.sessions, panelID)
		if m.bySurface[session.Surface] == panelID {
			delete(m.bySurface, session.Surface)
		}
	}
	m.mu.Unlock()
}

// Session returns a snapshot of the panel's accumulated state.
func (m *PanelManager) Session(panelID string) (PanelSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[panelID]
	if !ok {
		return PanelSession{}, false
	}
	snapshot := *session
	snapshot.Items = append([]PanelSolution(nil), session.Items...)
	return snapshot, true
}

// PanelFor returns the open panel ID for a surface, if any.
func (m *PanelManager) PanelFor(id SurfaceID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	panelID, ok := m.bySurface[id]
	return panelID, ok
}

func (m *PanelManager) refresh(panelID string) {
	if m.onRefresh != nil {
		m.onRefresh(panelID)
	}
}
