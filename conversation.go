package copilot

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
	"pkt.systems/pslog"
)

// conversationTokenPrefix marks progress tokens that belong to chat turns.
// $/progress notifications with any other token shape are unrelated server
// progress and are ignored.
const conversationTokenPrefix = "copilot_chat://"

// TurnKind classifies a conversation turn entry.
type TurnKind string

const (
	// TurnReply is a streamed chunk of the assistant's reply.
	TurnReply TurnKind = "reply"
)

// ConversationTurn is one accumulated entry of a conversation session.
type ConversationTurn struct {
	Kind    TurnKind
	Payload string
}

// ConversationSession is a snapshot of one window's chat state.
type ConversationSession struct {
	Token             string
	ConversationID    string
	LastTurnID        string
	Turns             []ConversationTurn
	IsWaiting         bool
	SuggestedTitle    string
	FollowUp          string
	LastActiveSurface SurfaceID
}

// ContextRequest carries an inbound conversationContext request to a
// provider. Surface is the window's last active surface and may be nil.
type ContextRequest struct {
	Window  Window
	Surface Surface
	Params  ConversationContextParams
}

// ContextProvider resolves one skill's editor-side context. Returning
// ok=false answers the server with null.
type ContextProvider func(req ContextRequest) (any, bool)

// ConversationManager owns one conversation session per window, routed by
// progress token.
//
// A token is bound to its window at turn start and unbound when the server
// signals stream end, so late or duplicate notifications for a finished
// turn are dropped. A dropped stream leaves the session waiting until the
// window destroys it; there is no error state.
type ConversationManager struct {
	conn      rpc
	account   *AccountState
	registry  *Registry
	log       pslog.Logger
	onRefresh func(WindowID)

	mu        sync.Mutex
	sessions  map[WindowID]*ConversationSession
	byToken   map[string]WindowID
	providers map[string]ContextProvider
}

// NewConversationManager wires a conversation manager to a connection. The
// "current-editor" context provider is built in.
func NewConversationManager(
	conn rpc,
	account *AccountState,
	registry *Registry,
	opts *Options,
) *ConversationManager {
	m := &ConversationManager{
		conn:      conn,
		account:   account,
		registry:  registry,
		log:       opts.logger().With("component", "conversation"),
		onRefresh: opts.OnConversationRefresh,
		sessions:  make(map[WindowID]*ConversationSession),
		byToken:   make(map[string]WindowID),
		providers: make(map[string]ContextProvider),
	}
	m.providers["current-editor"] = currentEditorContext
	return m
}

// RegisterContextProvider adds or replaces the provider for a skill ID.
func (m *ConversationManager) RegisterContextProvider(skillID string, p ContextProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[skillID] = p
}

// StartTurn begins a chat turn for the window and returns the progress
// token the streamed updates will carry. The request itself is issued
// asynchronously; a transport failure leaves the session waiting, exactly
// like a dropped stream.
func (m *ConversationManager) StartTurn(windowID WindowID, message string) (string, error) {
	window, ok := m.registry.Window(windowID)
	if !ok {
		return "", &ErrWindowNotFound{Window: windowID}
	}
	if !m.account.Gate() {
		return "", &ErrNotAuthorized{}
	}

	token := conversationTokenPrefix + uuid.NewString()

	m.mu.Lock()
	session, exists := m.sessions[windowID]
	if !exists {
		session = &ConversationSession{}
		m.sessions[windowID] = session
	}
	if session.Token != "" {
		// A new turn supersedes the previous stream; unbind its token so
		// stragglers are dropped rather than mutating the new turn.
		delete(m.byToken, session.Token)
	}
	session.Token = token
	session.IsWaiting = true
	if surface, ok := window.ActiveSurface(); ok {
		session.LastActiveSurface = surface.ID()
	}
	conversationID := session.ConversationID
	m.byToken[token] = windowID
	m.mu.Unlock()

	var method string
	var params map[string]any
	if conversationID == "" {
		method = methodConversationCreate
		params = map[string]any{
			"workDoneToken": token,
			"turns":         []map[string]any{{"request": message}},
			"capabilities":  map[string]any{"allSkills": false, "skills": m.skillIDs()},
			"source":        "panel",
		}
	} else {
		method = methodConversationTurn
		params = map[string]any{
			"workDoneToken":  token,
			"conversationId": conversationID,
			"message":        message,
		}
	}

	m.conn.RequestAsync(method, params, func(raw json.RawMessage, err error) {
		if err != nil {
			m.log.Warn("conversation request failed", "window", windowID, "err", err)
			return
		}
		var result ConversationCreateResult
		if err := json.Unmarshal(raw, &result); err != nil {
			m.log.Warn("malformed conversation result", "window", windowID, "err", err)
			return
		}
		m.mu.Lock()
		if session, ok := m.sessions[windowID]; ok {
			if result.ConversationID != "" {
				session.ConversationID = result.ConversationID
			}
			if result.TurnID != "" {
				session.LastTurnID = result.TurnID
			}
		}
		m.mu.Unlock()
	})

	return token, nil
}

// handleProgress applies one streamed update. The four effects (end, title,
// reply, follow-up) are independent and cumulative; payloads for the same
// token apply in arrival order.
func (m *ConversationManager) handleProgress(raw json.RawMessage) {
	var params ProgressParams
	if err := json.Unmarshal(raw, &params); err != nil {
		m.log.Warn("malformed progress params", "err", err)
		return
	}

	if !strings.HasPrefix(params.Token, conversationTokenPrefix) {
		return // Unrelated progress stream.
	}

	progress, err := parseConversationProgress(params.Value)
	if err != nil {
		m.log.Warn("malformed progress value", "token", params.Token, "err", err)
		return
	}

	m.mu.Lock()
	windowID, ok := m.byToken[params.Token]
	if !ok {
		m.mu.Unlock()
		m.log.Debug("progress for unknown token", "token", params.Token)
		return
	}
	session, ok := m.sessions[windowID]
	if !ok {
		delete(m.byToken, params.Token)
		m.mu.Unlock()
		m.log.Debug("progress for destroyed session", "token", params.Token)
		return
	}

	if progress.SuggestedTitle != "" {
		session.SuggestedTitle = progress.SuggestedTitle
	}
	if progress.Reply != "" {
		session.Turns = append(session.Turns, ConversationTurn{
			Kind:    TurnReply,
			Payload: progress.Reply,
		})
	}
	if progress.FollowUp != nil {
		session.FollowUp = progress.FollowUp.Message
	}
	if progress.Kind == "end" {
		session.IsWaiting = false
		delete(m.byToken, params.Token)
	}
	m.mu.Unlock()

	m.refresh(windowID)
}

// handleContextRequest answers the server's conversationContext request.
// Unknown skills, unresolvable windows, and providers that decline all
// answer null.
func (m *ConversationManager) handleContextRequest(raw json.RawMessage, respond Responder) {
	var params ConversationContextParams
	if err := json.Unmarshal(raw, &params); err != nil {
		respond(nil, &RPCError{Code: codeInvalidParams, Message: err.Error()})
		return
	}

	m.mu.Lock()
	provider, ok := m.providers[params.SkillID]
	var windowID WindowID
	var lastActive SurfaceID
	for id, session := range m.sessions {
		if session.ConversationID == params.ConversationID {
			windowID = id
			lastActive = session.LastActiveSurface
			break
		}
	}
	m.mu.Unlock()

	if !ok {
		respond(nil, nil)
		return
	}

	window, haveWindow := m.registry.Window(windowID)
	if !haveWindow {
		respond(nil, nil)
		return
	}

	req := ContextRequest{Window: window, Params: params}
	if surface, ok := m.registry.Surface(lastActive); ok {
		req.Surface = surface
	} else if surface, ok := window.ActiveSurface(); ok {
		req.Surface = surface
	}

	result, ok := provider(req)
	if !ok {
		respond(nil, nil)
		return
	}
	respond(result, nil)
}

// currentEditorContext answers the built-in "current-editor" skill with the
// last active surface's document.
func currentEditorContext(req ContextRequest) (any, bool) {
	if req.Surface == nil {
		return nil, false
	}
	return req.Surface.Document(), true
}

// RateTurn reports the user's rating of the latest turn. Rating is 1 for
// helpful, -1 for unhelpful, 0 to clear.
func (m *ConversationManager) RateTurn(ctx context.Context, windowID WindowID, rating int) error {
	conversationID, turnID, err := m.turnRef(windowID)
	if err != nil {
		return err
	}
	_, err = m.conn.Request(ctx, methodConversationRating, map[string]any{
		"conversationId": conversationID,
		"turnId":         turnID,
		"rating":         rating,
	})
	return err
}

// DeleteTurn removes the latest turn server-side.
func (m *ConversationManager) DeleteTurn(ctx context.Context, windowID WindowID) error {
	conversationID, turnID, err := m.turnRef(windowID)
	if err != nil {
		return err
	}
	_, err = m.conn.Request(ctx, methodConversationTurnDel, map[string]any{
		"conversationId": conversationID,
		"turnId":         turnID,
	})
	return err
}

// Destroy ends the window's conversation and removes all routing state.
func (m *ConversationManager) Destroy(windowID WindowID) {
	m.mu.Lock()
	session, ok := m.sessions[windowID]
	var conversationID string
	if ok {
		conversationID = session.ConversationID
		delete(m.sessions, windowID)
		if session.Token != "" {
			delete(m.byToken, session.Token)
		}
	}
	m.mu.Unlock()

	if ok && conversationID != "" {
		m.conn.RequestAsync(methodConversationDestroy, map[string]any{
			"conversationId": conversationID,
		}, nil)
	}
}

// Session returns a snapshot of the window's chat state.
func (m *ConversationManager) Session(windowID WindowID) (ConversationSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[windowID]
	if !ok {
		return ConversationSession{}, false
	}
	snapshot := *session
	snapshot.Turns = append([]ConversationTurn(nil), session.Turns...)
	return snapshot, true
}

// turnRef resolves the conversation and latest turn IDs for rating and
// deletion commands.
func (m *ConversationManager) turnRef(windowID WindowID) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[windowID]
	if !ok || session.ConversationID == "" {
		return "", "", &ErrWindowNotFound{Window: windowID}
	}
	return session.ConversationID, session.LastTurnID, nil
}

// skillIDs lists the registered context provider skills for the create
// capabilities payload.
func (m *ConversationManager) skillIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.providers))
	for id := range m.providers {
		ids = append(ids, id)
	}
	return ids
}

func (m *ConversationManager) refresh(windowID WindowID) {
	if m.onRefresh != nil {
		m.onRefresh(windowID)
	}
}
