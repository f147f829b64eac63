package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"pkt.systems/pslog"
)

// noNetwork fails every HTTP request so best-effort fetches stay offline.
type noNetwork struct{}

func (noNetwork) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("network disabled in tests")
}

func testHTTPClient() *http.Client {
	return &http.Client{Transport: noNetwork{}}
}

// quietLogger discards output so tests stay silent.
func quietLogger() pslog.Logger {
	return pslog.NewWithOptions(io.Discard, pslog.Options{
		Mode:     pslog.ModeStructured,
		NoColor:  true,
		MinLevel: pslog.ErrorLevel,
	})
}

// testOptions returns options tuned for deterministic tests.
func testOptions(extra ...Option) *Options {
	opts := DefaultOptions()
	opts.Logger = quietLogger()
	opts.Debounce = 1
	for _, option := range extra {
		option(&opts)
	}
	return &opts
}

// fakeSurface is a scriptable Surface implementation.
type fakeSurface struct {
	mu         sync.Mutex
	id         SurfaceID
	window     WindowID
	kind       SurfaceKind
	readOnly   bool
	selections []Region
	doc        Document
}

func newFakeSurface(id SurfaceID, window WindowID) *fakeSurface {
	return &fakeSurface{
		id:         id,
		window:     window,
		kind:       SurfaceKindText,
		selections: []Region{{Begin: 10, End: 10}},
		doc:        Document{URI: "file:///tmp/" + string(id), LanguageID: "go"},
	}
}

func (s *fakeSurface) ID() SurfaceID      { return s.id }
func (s *fakeSurface) WindowID() WindowID { return s.window }
func (s *fakeSurface) Kind() SurfaceKind  { return s.kind }
func (s *fakeSurface) ReadOnly() bool     { return s.readOnly }

func (s *fakeSurface) Selections() []Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Region(nil), s.selections...)
}

func (s *fakeSurface) Document() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

func (s *fakeSurface) moveCaret(to int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selections = []Region{{Begin: to, End: to}}
}

// fakeWindow is a scriptable Window implementation.
type fakeWindow struct {
	id     WindowID
	active Surface
}

func (w *fakeWindow) ID() WindowID { return w.id }

func (w *fakeWindow) ActiveSurface() (Surface, bool) {
	if w.active == nil {
		return nil, false
	}
	return w.active, true
}

// rpcCall records one request issued through the fake connection.
type rpcCall struct {
	Method  string
	Params  json.RawMessage
	onReply func(json.RawMessage, error)
}

// fakeRPC captures outbound requests and lets tests script replies. The
// sync Request path answers from the Results table immediately; the async
// path records the callback for the test to invoke.
type fakeRPC struct {
	mu    sync.Mutex
	calls []rpcCall

	// Results maps a method to its canned sync response.
	Results map[string]any

	// Errs maps a method to a canned sync failure.
	Errs map[string]error
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{
		Results: make(map[string]any),
		Errs:    make(map[string]error),
	}
}

func (f *fakeRPC) record(method string, params any, onReply func(json.RawMessage, error)) rpcCall {
	data, _ := json.Marshal(params)
	call := rpcCall{Method: method, Params: data, onReply: onReply}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	return call
}

func (f *fakeRPC) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	f.record(method, params, nil)
	if err, ok := f.Errs[method]; ok {
		return nil, err
	}
	result, ok := f.Results[method]
	if !ok {
		return json.RawMessage(`{}`), nil
	}
	return json.Marshal(result)
}

func (f *fakeRPC) RequestAsync(method string, params any, onReply func(json.RawMessage, error)) {
	f.record(method, params, onReply)
}

func (f *fakeRPC) Notify(method string, params any) error {
	f.record(method, params, nil)
	return nil
}

// Calls returns a snapshot of all recorded calls.
func (f *fakeRPC) Calls() []rpcCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rpcCall(nil), f.calls...)
}

// CallsFor returns recorded calls for one method.
func (f *fakeRPC) CallsFor(method string) []rpcCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []rpcCall
	for _, call := range f.calls {
		if call.Method == method {
			out = append(out, call)
		}
	}
	return out
}

// Reply invokes the recorded callback of the i-th call for a method with a
// marshaled result.
func (f *fakeRPC) Reply(method string, i int, result any) bool {
	calls := f.CallsFor(method)
	if i >= len(calls) || calls[i].onReply == nil {
		return false
	}
	data, _ := json.Marshal(result)
	calls[i].onReply(data, nil)
	return true
}

// signedInAccount returns account state already past the authorization
// gate.
func signedInAccount(user string) *AccountState {
	account := NewAccountState(testHTTPClient(), quietLogger())
	account.status = AccountStatus{HasSignedIn: true, IsAuthorized: true, User: user}
	return account
}
