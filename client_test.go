package copilot

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newClientFixture connects a full client to a scripted mock server.
func newClientFixture(t *testing.T, extra ...Option) (*Client, *mockServer) {
	t.Helper()
	runner := NewMockServerRunner()
	server := newMockServer(t, runner)
	server.handle(methodCheckStatus, func(msg *RPCMessage) (any, *RPCError) {
		return StatusResult{Status: "OK", User: "octocat"}, nil
	})
	go server.serve()

	opts := append([]Option{
		WithRunner(runner),
		WithLogger(quietLogger()),
		WithHTTPClient(testHTTPClient()),
		WithDebounce(time.Millisecond),
		WithEditorInfo("testeditor", "1.0"),
	}, extra...)

	client, err := NewClient(opts...)
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { client.Close() })

	return client, server
}

func TestClientHandshake(t *testing.T) {
	_, server := newClientFixture(t)

	initCalls := server.received(methodInitialize)
	require.Len(t, initCalls, 1)

	var params struct {
		InitializationOptions struct {
			EditorInfo map[string]string `json:"editorInfo"`
		} `json:"initializationOptions"`
	}
	require.NoError(t, json.Unmarshal(initCalls[0].Params, &params))
	assert.Equal(t, "testeditor", params.InitializationOptions.EditorInfo["name"])

	assert.Len(t, server.received(methodInitialized), 1)
	assert.Len(t, server.received(methodSetEditorInfo), 1)
}

func TestClientConnectMissingBinary(t *testing.T) {
	client, err := NewClient(
		WithLogger(quietLogger()),
		WithStorageRoot(t.TempDir()),
	)
	require.NoError(t, err)

	err = client.Connect(context.Background())
	var missing *ErrServerNotFound
	require.ErrorAs(t, err, &missing)
}

func TestClientCheckStatusOpensGate(t *testing.T) {
	client, _ := newClientFixture(t)

	status, err := client.CheckStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.IsAuthorized)
	assert.Equal(t, "octocat", status.User)
	assert.Equal(t, status, client.AccountStatus())
}

func TestClientCompletionFlow(t *testing.T) {
	client, server := newClientFixture(t)
	server.handle(methodGetCompletionsCycle, func(msg *RPCMessage) (any, *RPCError) {
		return threeCompletions(), nil
	})

	_, err := client.CheckStatus(context.Background())
	require.NoError(t, err)

	surface := newFakeSurface("view-1", "window-1")
	client.Registry().AttachSurface(surface)

	require.NoError(t, client.Completions.Trigger(surface.id))

	require.Eventually(t, func() bool {
		set, ok := client.Completions.Set(surface.id)
		return ok && len(set.Items) == 3
	}, time.Second, time.Millisecond)

	item, err := client.Completions.Accept(surface.id, 0)
	require.NoError(t, err)
	assert.Equal(t, "a", item.UUID)
}

func TestClientStatusNotificationRendersTemplate(t *testing.T) {
	refreshed := make(chan struct{}, 8)
	client, server := newClientFixture(t,
		WithSettings(&Settings{StatusTemplate: "Copilot: {{.Message}}{{if .Busy}} (working){{end}}"}),
		WithStatusRefresh(func() {
			select {
			case refreshed <- struct{}{}:
			default:
			}
		}),
	)

	server.notify(methodStatusNotify, StatusNotificationParams{
		Status:  "Normal",
		Message: "ready",
	})

	select {
	case <-refreshed:
	case <-time.After(time.Second):
		t.Fatal("status refresh not delivered")
	}
	assert.Equal(t, "Copilot: ready", client.StatusText())

	client.SetBusy(true)
	assert.Equal(t, "Copilot: ready (working)", client.StatusText())
	client.SetBusy(false)
	assert.Equal(t, "Copilot: ready", client.StatusText())
}

func TestClientInvalidStatusTemplate(t *testing.T) {
	_, err := NewClient(
		WithLogger(quietLogger()),
		WithSettings(&Settings{StatusTemplate: "{{.Broken"}),
	)
	var invalid *ErrInvalidConfiguration
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "status_text", invalid.Field)
}

func TestClientFeatureFlags(t *testing.T) {
	client, server := newClientFixture(t)

	server.notify(methodFeatureFlags, FeatureFlags{Chat: true, Snippets: true})

	require.Eventually(t, func() bool {
		return client.FeatureFlags().Chat
	}, time.Second, time.Millisecond)
	assert.True(t, client.FeatureFlags().Snippets)
}

func TestClientConversationContextRoundTrip(t *testing.T) {
	client, server := newClientFixture(t)
	server.handle(methodConversationCreate, func(msg *RPCMessage) (any, *RPCError) {
		return ConversationCreateResult{ConversationID: "conv-1", TurnID: "turn-1"}, nil
	})

	_, err := client.CheckStatus(context.Background())
	require.NoError(t, err)

	surface := newFakeSurface("view-1", "window-1")
	window := &fakeWindow{id: "window-1", active: surface}
	client.Registry().AttachSurface(surface)
	client.Registry().AttachWindow(window)

	_, err = client.Conversations.StartTurn(window.id, "explain this file")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		session, ok := client.Conversations.Session(window.id)
		return ok && session.ConversationID == "conv-1"
	}, time.Second, time.Millisecond)

	// The server asks for editor context mid-turn; the client answers with
	// the active document.
	id := json.RawMessage(`500`)
	params, _ := json.Marshal(ConversationContextParams{
		ConversationID: "conv-1",
		TurnID:         "turn-1",
		SkillID:        "current-editor",
	})
	server.write(&RPCMessage{ID: &id, Method: methodConversationCtx, Params: params})

	require.Eventually(t, func() bool {
		return len(server.received("")) == 1
	}, time.Second, time.Millisecond)

	resp := server.received("")[0]
	require.Nil(t, resp.Error)
	var doc Document
	require.NoError(t, json.Unmarshal(resp.Result, &doc))
	assert.Equal(t, "file:///tmp/view-1", doc.URI)
}
