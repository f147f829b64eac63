package copilot

import (
	"encoding/json"
)

// Request methods sent to the language server.
const (
	methodInitialize          = "initialize"
	methodInitialized         = "initialized"
	methodSetEditorInfo       = "setEditorInfo"
	methodCheckStatus         = "checkStatus"
	methodSignInInitiate      = "signInInitiate"
	methodSignInConfirm       = "signInConfirm"
	methodSignOut             = "signOut"
	methodGetVersion          = "getVersion"
	methodGetCompletions      = "getCompletions"
	methodGetCompletionsCycle = "getCompletionsCycling"
	methodGetPanelCompletions = "getPanelCompletions"
	methodNotifyAccepted      = "notifyAccepted"
	methodNotifyRejected      = "notifyRejected"
	methodConversationCreate  = "conversation/create"
	methodConversationTurn    = "conversation/turn"
	methodConversationDestroy = "conversation/destroy"
	methodConversationRating  = "conversation/rating"
	methodConversationTurnDel = "conversation/turnDelete"
)

// Notifications and requests received from the language server.
const (
	methodPanelSolution     = "PanelSolution"
	methodPanelSolutionDone = "PanelSolutionDone"
	methodStatusNotify      = "statusNotification"
	methodFeatureFlags      = "featureFlagsNotification"
	methodLogMessage        = "window/logMessage"
	methodProgress          = "$/progress"
	methodConversationCtx   = "conversationContext"
)

// Position is a zero-based line/character position in a document.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// TextRange is a position span in a document.
type TextRange struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// CompletionItem is one inline completion returned by the server.
type CompletionItem struct {
	UUID        string    `json:"uuid"`
	Text        string    `json:"text"`
	DisplayText string    `json:"displayText"`
	Position    Position  `json:"position"`
	Range       TextRange `json:"range"`
	DocVersion  int       `json:"docVersion"`
}

// CompletionsResult is the payload of getCompletions and
// getCompletionsCycling responses.
type CompletionsResult struct {
	Completions []CompletionItem `json:"completions"`
}

// PanelSolution is one streamed alternative completion for an open panel.
type PanelSolution struct {
	PanelID        string    `json:"panelId"`
	SolutionID     string    `json:"solutionId"`
	CompletionText string    `json:"completionText"`
	DisplayText    string    `json:"displayText"`
	Score          float64   `json:"score"`
	Range          TextRange `json:"range"`
}

// PanelSolutionDoneParams terminates the solution stream for one panel.
type PanelSolutionDoneParams struct {
	PanelID string `json:"panelId"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// StatusResult is the payload of checkStatus and signInConfirm responses.
type StatusResult struct {
	Status string `json:"status"`
	User   string `json:"user,omitempty"`
}

// Account status values reported by the server.
const (
	statusOK            = "OK"
	statusNotAuthorized = "NotAuthorized"
	statusNotSignedIn   = "NotSignedIn"
)

// SignInInitiateResult is the payload of a signInInitiate response. When the
// server reports AlreadySignedIn the device-code fields are empty.
type SignInInitiateResult struct {
	Status          string `json:"status"`
	UserCode        string `json:"userCode,omitempty"`
	VerificationURI string `json:"verificationUri,omitempty"`
	ExpiresIn       int    `json:"expiresIn,omitempty"`
	Interval        int    `json:"interval,omitempty"`
	User            string `json:"user,omitempty"`
}

// StatusNotificationParams carries server-pushed status bar text.
type StatusNotificationParams struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

// FeatureFlags is the payload of a featureFlagsNotification.
type FeatureFlags struct {
	RestrictedTelemetry bool `json:"rt"`
	Snippets            bool `json:"sn"`
	Chat                bool `json:"chat"`
}

// LogMessageParams carries a server log line. Type follows the LSP
// MessageType scale: 1 error, 2 warning, 3 info, 4 log.
type LogMessageParams struct {
	Type    int    `json:"type"`
	Message string `json:"message"`
}

// ProgressParams is the envelope of a $/progress notification. The value is
// kept raw so unrelated progress streams can be dropped without parsing.
type ProgressParams struct {
	Token string          `json:"token"`
	Value json.RawMessage `json:"value"`
}

// ConversationProgress is one streamed update for a conversation turn. The
// four fields are independent: any subset may be present in one payload.
type ConversationProgress struct {
	Kind           string                `json:"kind,omitempty"`
	Reply          string                `json:"reply,omitempty"`
	SuggestedTitle string                `json:"suggestedTitle,omitempty"`
	FollowUp       *ConversationFollowUp `json:"followUp,omitempty"`
}

// ConversationFollowUp is a server-suggested next prompt.
type ConversationFollowUp struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// ConversationContextParams is the payload of an inbound conversationContext
// request, the one place the server asks the editor for data mid-turn.
type ConversationContextParams struct {
	ConversationID string `json:"conversationId"`
	TurnID         string `json:"turnId"`
	SkillID        string `json:"skillId"`
}

// ConversationCreateResult is the payload of a conversation/create response.
type ConversationCreateResult struct {
	ConversationID string `json:"conversationId"`
	TurnID         string `json:"turnId"`
}

// Document is the editor-side description of a surface's content sent with
// completion and panel requests.
type Document struct {
	URI          string   `json:"uri"`
	Path         string   `json:"path"`
	RelativePath string   `json:"relativePath"`
	LanguageID   string   `json:"languageId"`
	Version      int      `json:"version"`
	Source       string   `json:"source"`
	TabSize      int      `json:"tabSize"`
	IndentSize   int      `json:"indentSize"`
	InsertSpaces bool     `json:"insertSpaces"`
	Position     Position `json:"position"`
}

// completionRequestParams wraps a document for completion requests.
type completionRequestParams struct {
	Doc Document `json:"doc"`
}

// panelRequestParams wraps a document plus the client-chosen panel ID.
type panelRequestParams struct {
	Doc     Document `json:"doc"`
	PanelID string   `json:"panelId"`
}

// parseConversationProgress decodes a $/progress value into a conversation
// update. Unknown fields are ignored.
func parseConversationProgress(raw json.RawMessage) (ConversationProgress, error) {
	var p ConversationProgress
	err := json.Unmarshal(raw, &p)
	return p, err
}
