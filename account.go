package copilot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"pkt.systems/pslog"
)

// AccountStatus is a snapshot of the sign-in state. IsAuthorized implies
// HasSignedIn.
type AccountStatus struct {
	HasSignedIn  bool
	IsAuthorized bool
	User         string
}

// AccountState owns the sign-in/authorization state and gates every
// request-issuing operation.
//
// Status is mutated only by the result of a status-check exchange or an
// explicit sign-in/out command. A failed exchange leaves the prior status
// untouched.
type AccountState struct {
	mu     sync.RWMutex
	status AccountStatus

	httpClient *http.Client
	avatar     []byte
	log        pslog.Logger
}

// NewAccountState creates account state with no sign-in recorded.
func NewAccountState(httpClient *http.Client, log pslog.Logger) *AccountState {
	return &AccountState{
		httpClient: httpClient,
		log:        log.With("component", "account"),
	}
}

// Status returns the current snapshot.
func (a *AccountState) Status() AccountStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// Gate reports whether request-issuing operations may proceed.
func (a *AccountState) Gate() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status.HasSignedIn && a.status.IsAuthorized
}

// CheckStatus runs a status-check exchange and applies the result. The
// avatar lookup for a newly known user runs in the background; its failure
// is cosmetic and ignored.
func (a *AccountState) CheckStatus(ctx context.Context, conn rpc, localChecksOnly bool) (AccountStatus, error) {
	raw, err := conn.Request(ctx, methodCheckStatus, map[string]any{
		"localChecksOnly": localChecksOnly,
	})
	if err != nil {
		return a.Status(), err
	}

	var result StatusResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return a.Status(), &ErrProtocolViolation{
			Message: fmt.Sprintf("malformed checkStatus result: %v", err),
		}
	}

	return a.apply(result), nil
}

// SignIn starts the device-code sign-in flow. When the server reports an
// already signed-in account the returned result carries no device code and
// the status is applied immediately.
func (a *AccountState) SignIn(ctx context.Context, conn rpc) (SignInInitiateResult, error) {
	raw, err := conn.Request(ctx, methodSignInInitiate, map[string]any{})
	if err != nil {
		return SignInInitiateResult{}, err
	}

	var result SignInInitiateResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return SignInInitiateResult{}, &ErrProtocolViolation{
			Message: fmt.Sprintf("malformed signInInitiate result: %v", err),
		}
	}

	if result.Status == "AlreadySignedIn" {
		a.apply(StatusResult{Status: statusOK, User: result.User})
	}

	return result, nil
}

// SignInConfirm completes the device-code flow after the user has entered
// the code and applies the resulting status.
func (a *AccountState) SignInConfirm(ctx context.Context, conn rpc, userCode string) (AccountStatus, error) {
	raw, err := conn.Request(ctx, methodSignInConfirm, map[string]any{
		"userCode": userCode,
	})
	if err != nil {
		return a.Status(), err
	}

	var result StatusResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return a.Status(), &ErrProtocolViolation{
			Message: fmt.Sprintf("malformed signInConfirm result: %v", err),
		}
	}

	return a.apply(result), nil
}

// SignOut clears the session on the server and locally.
func (a *AccountState) SignOut(ctx context.Context, conn rpc) error {
	if _, err := conn.Request(ctx, methodSignOut, map[string]any{}); err != nil {
		return err
	}
	a.apply(StatusResult{Status: statusNotSignedIn})
	return nil
}

// apply maps a server status payload onto the snapshot. Signed-in covers
// both authorized and not-yet-authorized accounts; only OK authorizes.
func (a *AccountState) apply(result StatusResult) AccountStatus {
	a.mu.Lock()
	prevUser := a.status.User
	a.status = AccountStatus{
		HasSignedIn:  result.Status == statusNotAuthorized || result.Status == statusOK,
		IsAuthorized: result.Status == statusOK,
		User:         result.User,
	}
	snapshot := a.status
	a.mu.Unlock()

	if snapshot.User != "" && snapshot.User != prevUser {
		go a.fetchAvatar(snapshot.User)
	}

	return snapshot
}

// Avatar returns the cached avatar image bytes, if any.
func (a *AccountState) Avatar() []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.avatar
}

// fetchAvatar grabs the user's GitHub avatar. Best effort only.
func (a *AccountState) fetchAvatar(user string) {
	resp, err := a.httpClient.Get(fmt.Sprintf("https://github.com/%s.png?size=64", user))
	if err != nil {
		a.log.Debug("avatar fetch failed", "user", user, "err", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		a.log.Debug("avatar fetch failed", "user", user, "status", resp.StatusCode)
		return
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return
	}

	a.mu.Lock()
	a.avatar = data
	a.mu.Unlock()
}
