package copilot

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestAccountStatusMapping(t *testing.T) {
	tests := []struct {
		status         string
		wantSignedIn   bool
		wantAuthorized bool
	}{
		{statusOK, true, true},
		{statusNotAuthorized, true, false},
		{statusNotSignedIn, false, false},
		{"SomethingNew", false, false},
	}

	for _, tc := range tests {
		t.Run(tc.status, func(t *testing.T) {
			account := NewAccountState(testHTTPClient(), quietLogger())
			got := account.apply(StatusResult{Status: tc.status})
			assert.Equal(t, tc.wantSignedIn, got.HasSignedIn)
			assert.Equal(t, tc.wantAuthorized, got.IsAuthorized)
		})
	}
}

func TestAccountAuthorizedImpliesSignedIn(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		status := rapid.String().Draw(t, "status")
		account := NewAccountState(testHTTPClient(), quietLogger())
		got := account.apply(StatusResult{Status: status})
		if got.IsAuthorized {
			assert.True(t, got.HasSignedIn)
		}
	})
}

func TestAccountGate(t *testing.T) {
	account := NewAccountState(testHTTPClient(), quietLogger())
	assert.False(t, account.Gate())

	account.apply(StatusResult{Status: statusNotAuthorized})
	assert.False(t, account.Gate())

	account.apply(StatusResult{Status: statusOK})
	assert.True(t, account.Gate())

	account.apply(StatusResult{Status: statusNotSignedIn})
	assert.False(t, account.Gate())
}

func TestCheckStatusAppliesResult(t *testing.T) {
	conn := newFakeRPC()
	conn.Results[methodCheckStatus] = StatusResult{Status: statusOK, User: "octocat"}

	account := NewAccountState(testHTTPClient(), quietLogger())
	status, err := account.CheckStatus(context.Background(), conn, true)
	require.NoError(t, err)
	assert.True(t, status.IsAuthorized)
	assert.Equal(t, "octocat", status.User)

	calls := conn.CallsFor(methodCheckStatus)
	require.Len(t, calls, 1)
	var params map[string]bool
	require.NoError(t, json.Unmarshal(calls[0].Params, &params))
	assert.True(t, params["localChecksOnly"])
}

func TestCheckStatusErrorKeepsPriorStatus(t *testing.T) {
	conn := newFakeRPC()
	conn.Errs[methodCheckStatus] = &ErrRequestFailed{
		Method: methodCheckStatus,
		Cause:  &ErrTransportClosed{},
	}

	account := signedInAccount("octocat")
	status, err := account.CheckStatus(context.Background(), conn, false)
	require.Error(t, err)
	assert.True(t, status.IsAuthorized)
	assert.True(t, account.Gate())
}

func TestSignInAlreadySignedIn(t *testing.T) {
	conn := newFakeRPC()
	conn.Results[methodSignInInitiate] = SignInInitiateResult{
		Status: "AlreadySignedIn",
		User:   "octocat",
	}

	account := NewAccountState(testHTTPClient(), quietLogger())
	result, err := account.SignIn(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, "AlreadySignedIn", result.Status)
	assert.True(t, account.Gate())
}

func TestSignInDeviceCodeFlow(t *testing.T) {
	conn := newFakeRPC()
	conn.Results[methodSignInInitiate] = SignInInitiateResult{
		Status:          "PromptUserDeviceFlow",
		UserCode:        "ABCD-1234",
		VerificationURI: "https://github.com/login/device",
	}
	conn.Results[methodSignInConfirm] = StatusResult{Status: statusOK, User: "octocat"}

	account := NewAccountState(testHTTPClient(), quietLogger())
	flow, err := account.SignIn(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, "ABCD-1234", flow.UserCode)

	// The device-code prompt alone does not sign anyone in.
	assert.False(t, account.Gate())

	status, err := account.SignInConfirm(context.Background(), conn, flow.UserCode)
	require.NoError(t, err)
	assert.True(t, status.IsAuthorized)
	assert.True(t, account.Gate())
}

func TestSignOutClearsStatus(t *testing.T) {
	conn := newFakeRPC()
	account := signedInAccount("octocat")

	require.NoError(t, account.SignOut(context.Background(), conn))
	assert.False(t, account.Gate())
	assert.Empty(t, account.Status().User)
	require.Len(t, conn.CallsFor(methodSignOut), 1)
}
