package copilot

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConversationFixture(t *testing.T, extra ...Option) (*ConversationManager, *fakeRPC, *fakeWindow) {
	t.Helper()
	conn := newFakeRPC()
	registry := NewRegistry()
	surface := newFakeSurface("view-1", "window-1")
	window := &fakeWindow{id: "window-1", active: surface}
	registry.AttachSurface(surface)
	registry.AttachWindow(window)

	manager := NewConversationManager(conn, signedInAccount("octocat"), registry, testOptions(extra...))
	return manager, conn, window
}

func progressJSON(token string, value ConversationProgress) json.RawMessage {
	raw, _ := json.Marshal(value)
	data, _ := json.Marshal(ProgressParams{Token: token, Value: raw})
	return data
}

// createdSession replies to the pending conversation/create call so the
// session has server-side IDs.
func createdSession(t *testing.T, conn *fakeRPC, i int) {
	t.Helper()
	require.True(t, conn.Reply(methodConversationCreate, i, ConversationCreateResult{
		ConversationID: "conv-1",
		TurnID:         "turn-1",
	}))
}

func TestStartTurnCreatesConversation(t *testing.T) {
	manager, conn, window := newConversationFixture(t)

	token, err := manager.StartTurn(window.id, "explain this")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "copilot_chat://"))

	calls := conn.CallsFor(methodConversationCreate)
	require.Len(t, calls, 1)
	var params map[string]any
	require.NoError(t, json.Unmarshal(calls[0].Params, &params))
	assert.Equal(t, token, params["workDoneToken"])
	assert.Equal(t, "panel", params["source"])

	createdSession(t, conn, 0)

	session, ok := manager.Session(window.id)
	require.True(t, ok)
	assert.Equal(t, "conv-1", session.ConversationID)
	assert.Equal(t, "turn-1", session.LastTurnID)
	assert.True(t, session.IsWaiting)
	assert.Equal(t, SurfaceID("view-1"), session.LastActiveSurface)
}

func TestSecondTurnReusesConversation(t *testing.T) {
	manager, conn, window := newConversationFixture(t)

	_, err := manager.StartTurn(window.id, "first")
	require.NoError(t, err)
	createdSession(t, conn, 0)

	token, err := manager.StartTurn(window.id, "second")
	require.NoError(t, err)

	calls := conn.CallsFor(methodConversationTurn)
	require.Len(t, calls, 1)
	var params map[string]any
	require.NoError(t, json.Unmarshal(calls[0].Params, &params))
	assert.Equal(t, "conv-1", params["conversationId"])
	assert.Equal(t, "second", params["message"])
	assert.Equal(t, token, params["workDoneToken"])
}

func TestStartTurnUnknownWindow(t *testing.T) {
	manager, conn, _ := newConversationFixture(t)

	_, err := manager.StartTurn("nope", "hello")
	var missing *ErrWindowNotFound
	require.ErrorAs(t, err, &missing)
	assert.Empty(t, conn.Calls())
}

func TestStartTurnRequiresAuthorization(t *testing.T) {
	conn := newFakeRPC()
	registry := NewRegistry()
	window := &fakeWindow{id: "window-1"}
	registry.AttachWindow(window)

	manager := NewConversationManager(conn, NewAccountState(testHTTPClient(), quietLogger()), registry, testOptions())

	_, err := manager.StartTurn(window.id, "hello")
	var denied *ErrNotAuthorized
	require.ErrorAs(t, err, &denied)
	assert.Empty(t, conn.Calls())
}

func TestProgressEffectsAccumulate(t *testing.T) {
	manager, conn, window := newConversationFixture(t)

	token, err := manager.StartTurn(window.id, "explain this")
	require.NoError(t, err)
	createdSession(t, conn, 0)

	manager.handleProgress(progressJSON(token, ConversationProgress{Reply: "The function"}))
	manager.handleProgress(progressJSON(token, ConversationProgress{
		Reply:          " reads a file.",
		SuggestedTitle: "File reading",
	}))
	manager.handleProgress(progressJSON(token, ConversationProgress{
		SuggestedTitle: "Reading files",
		FollowUp:       &ConversationFollowUp{Message: "Show an example"},
	}))

	session, ok := manager.Session(window.id)
	require.True(t, ok)
	require.Len(t, session.Turns, 2)
	assert.Equal(t, "The function", session.Turns[0].Payload)
	assert.Equal(t, " reads a file.", session.Turns[1].Payload)
	assert.Equal(t, "Reading files", session.SuggestedTitle)
	assert.Equal(t, "Show an example", session.FollowUp)
	assert.True(t, session.IsWaiting)
}

func TestProgressEndClosesToken(t *testing.T) {
	manager, conn, window := newConversationFixture(t)

	token, err := manager.StartTurn(window.id, "explain this")
	require.NoError(t, err)
	createdSession(t, conn, 0)

	manager.handleProgress(progressJSON(token, ConversationProgress{Reply: "done."}))
	manager.handleProgress(progressJSON(token, ConversationProgress{Kind: "end"}))

	session, ok := manager.Session(window.id)
	require.True(t, ok)
	assert.False(t, session.IsWaiting)

	// The token is spent: stragglers for the finished turn are dropped.
	manager.handleProgress(progressJSON(token, ConversationProgress{Reply: "late."}))
	session, ok = manager.Session(window.id)
	require.True(t, ok)
	require.Len(t, session.Turns, 1)
}

func TestNewTurnSupersedesPriorToken(t *testing.T) {
	manager, conn, window := newConversationFixture(t)

	first, err := manager.StartTurn(window.id, "first")
	require.NoError(t, err)
	createdSession(t, conn, 0)

	second, err := manager.StartTurn(window.id, "second")
	require.NoError(t, err)

	// The superseded stream must not mutate the current turn's session.
	manager.handleProgress(progressJSON(first, ConversationProgress{
		Reply:          "stale stream",
		SuggestedTitle: "stale title",
	}))

	session, ok := manager.Session(window.id)
	require.True(t, ok)
	assert.Empty(t, session.Turns)
	assert.Empty(t, session.SuggestedTitle)
	assert.Equal(t, second, session.Token)

	manager.handleProgress(progressJSON(second, ConversationProgress{Reply: "fresh"}))
	session, ok = manager.Session(window.id)
	require.True(t, ok)
	require.Len(t, session.Turns, 1)
	assert.Equal(t, "fresh", session.Turns[0].Payload)
}

func TestProgressAfterDestroyAcrossTurns(t *testing.T) {
	manager, conn, window := newConversationFixture(t)

	first, err := manager.StartTurn(window.id, "first")
	require.NoError(t, err)
	createdSession(t, conn, 0)

	second, err := manager.StartTurn(window.id, "second")
	require.NoError(t, err)

	manager.Destroy(window.id)

	// Stragglers from either turn are dropped once the session is gone.
	manager.handleProgress(progressJSON(first, ConversationProgress{Reply: "stray"}))
	manager.handleProgress(progressJSON(second, ConversationProgress{Reply: "stray"}))

	_, ok := manager.Session(window.id)
	assert.False(t, ok)
}

func TestProgressForeignTokenIgnored(t *testing.T) {
	manager, conn, window := newConversationFixture(t)

	_, err := manager.StartTurn(window.id, "explain this")
	require.NoError(t, err)
	createdSession(t, conn, 0)

	// Server-internal progress streams use unrelated token shapes.
	manager.handleProgress(progressJSON("indexing-42", ConversationProgress{Reply: "stray"}))
	manager.handleProgress(progressJSON("copilot_chat://unknown", ConversationProgress{Reply: "stray"}))

	session, ok := manager.Session(window.id)
	require.True(t, ok)
	assert.Empty(t, session.Turns)
}

func TestContextRequestCurrentEditor(t *testing.T) {
	manager, conn, window := newConversationFixture(t)

	_, err := manager.StartTurn(window.id, "explain this")
	require.NoError(t, err)
	createdSession(t, conn, 0)

	params, _ := json.Marshal(ConversationContextParams{
		ConversationID: "conv-1",
		TurnID:         "turn-1",
		SkillID:        "current-editor",
	})

	var gotResult any
	var gotErr *RPCError
	manager.handleContextRequest(params, func(result any, rpcErr *RPCError) {
		gotResult = result
		gotErr = rpcErr
	})

	require.Nil(t, gotErr)
	doc, ok := gotResult.(Document)
	require.True(t, ok)
	assert.Equal(t, "file:///tmp/view-1", doc.URI)
}

func TestContextRequestUnknownSkill(t *testing.T) {
	manager, conn, window := newConversationFixture(t)

	_, err := manager.StartTurn(window.id, "explain this")
	require.NoError(t, err)
	createdSession(t, conn, 0)

	params, _ := json.Marshal(ConversationContextParams{
		ConversationID: "conv-1",
		SkillID:        "project-metadata",
	})

	called := false
	manager.handleContextRequest(params, func(result any, rpcErr *RPCError) {
		called = true
		assert.Nil(t, result)
		assert.Nil(t, rpcErr)
	})
	assert.True(t, called)
}

func TestContextRequestMalformedParams(t *testing.T) {
	manager, _, _ := newConversationFixture(t)

	var gotErr *RPCError
	manager.handleContextRequest(json.RawMessage(`{"conversationId": 7}`), func(result any, rpcErr *RPCError) {
		gotErr = rpcErr
	})
	require.NotNil(t, gotErr)
	assert.Equal(t, codeInvalidParams, gotErr.Code)
}

func TestRegisteredProviderAnswers(t *testing.T) {
	manager, conn, window := newConversationFixture(t)
	manager.RegisterContextProvider("git-status", func(req ContextRequest) (any, bool) {
		return map[string]string{"branch": "main"}, true
	})

	_, err := manager.StartTurn(window.id, "what branch am I on")
	require.NoError(t, err)
	createdSession(t, conn, 0)

	params, _ := json.Marshal(ConversationContextParams{
		ConversationID: "conv-1",
		SkillID:        "git-status",
	})

	var gotResult any
	manager.handleContextRequest(params, func(result any, rpcErr *RPCError) {
		gotResult = result
	})
	assert.Equal(t, map[string]string{"branch": "main"}, gotResult)
}

func TestRateAndDeleteTurn(t *testing.T) {
	manager, conn, window := newConversationFixture(t)

	_, err := manager.StartTurn(window.id, "explain this")
	require.NoError(t, err)
	createdSession(t, conn, 0)

	require.NoError(t, manager.RateTurn(context.Background(), window.id, 1))
	require.NoError(t, manager.DeleteTurn(context.Background(), window.id))

	rating := conn.CallsFor(methodConversationRating)
	require.Len(t, rating, 1)
	var params map[string]any
	require.NoError(t, json.Unmarshal(rating[0].Params, &params))
	assert.Equal(t, "conv-1", params["conversationId"])
	assert.Equal(t, "turn-1", params["turnId"])
	assert.Equal(t, float64(1), params["rating"])

	require.Len(t, conn.CallsFor(methodConversationTurnDel), 1)
}

func TestRateTurnWithoutConversation(t *testing.T) {
	manager, _, window := newConversationFixture(t)

	err := manager.RateTurn(context.Background(), window.id, 1)
	var missing *ErrWindowNotFound
	require.ErrorAs(t, err, &missing)
}

func TestDestroyRemovesSessionAndToken(t *testing.T) {
	manager, conn, window := newConversationFixture(t)

	token, err := manager.StartTurn(window.id, "explain this")
	require.NoError(t, err)
	createdSession(t, conn, 0)

	manager.Destroy(window.id)

	_, ok := manager.Session(window.id)
	assert.False(t, ok)
	require.Len(t, conn.CallsFor(methodConversationDestroy), 1)

	// Progress for the destroyed session is dropped.
	manager.handleProgress(progressJSON(token, ConversationProgress{Reply: "stray"}))
	_, ok = manager.Session(window.id)
	assert.False(t, ok)
}
