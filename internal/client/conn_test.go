package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ntropish/larder/pkg/types"
)

// fakeTransport records sent envelopes and lets the test play the backend.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []types.Envelope
	recv   chan types.Envelope
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{recv: make(chan types.Envelope, 64)}
}

func (f *fakeTransport) Send(env types.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return types.ErrConnClosed
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) Recv() <-chan types.Envelope { return f.recv }

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.recv)
	}
}

// lastSent waits for the nth envelope to be sent and returns it.
func (f *fakeTransport) sentEnv(t *testing.T, n int) types.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.sent) > n {
			env := f.sent[n]
			f.mu.Unlock()
			return env
		}
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("envelope %d never sent", n)
	return types.Envelope{}
}

func TestSend_ResolvesMatchingID(t *testing.T) {
	ft := newFakeTransport()
	c := Dial(ft, Options{Timeout: 2 * time.Second})
	defer c.Close()

	done := make(chan types.Result, 1)
	go func() {
		res, err := c.All(context.Background(), "SELECT 1")
		if err != nil {
			t.Error(err)
		}
		done <- res
	}()

	req := ft.sentEnv(t, 0).Payload.(types.ExecRequest)
	ft.recv <- types.Envelope{Type: types.MsgExecFinished, Payload: types.ExecFinished{
		ID:      req.ID,
		Columns: []string{"1"},
		Rows:    [][]types.Value{{types.Integer(1)}},
	}}

	res := <-done
	if len(res.Rows) != 1 || res.Rows[0][0].Int64() != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestSend_ExecErrorRejects(t *testing.T) {
	ft := newFakeTransport()
	c := Dial(ft, Options{Timeout: 2 * time.Second})
	defer c.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.All(context.Background(), "SELECT broken")
		errCh <- err
	}()

	req := ft.sentEnv(t, 0).Payload.(types.ExecRequest)
	ft.recv <- types.Envelope{Type: types.MsgExecError, Payload: types.ExecFailed{ID: req.ID, Error: "syntax error"}}

	err := <-errCh
	var execErr *types.ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("error = %v, want *ExecError", err)
	}
	if execErr.RequestID != req.ID {
		t.Errorf("error id = %s", execErr.RequestID)
	}
}

func TestSend_DuplicateResponseIgnored(t *testing.T) {
	ft := newFakeTransport()
	c := Dial(ft, Options{Timeout: 2 * time.Second})
	defer c.Close()

	done := make(chan error, 1)
	go func() {
		_, err := c.All(context.Background(), "SELECT 1")
		done <- err
	}()

	req := ft.sentEnv(t, 0).Payload.(types.ExecRequest)
	reply := types.Envelope{Type: types.MsgExecFinished, Payload: types.ExecFinished{ID: req.ID, Columns: []string{}}}
	ft.recv <- reply
	ft.recv <- reply // second delivery for the same id

	if err := <-done; err != nil {
		t.Fatal(err)
	}
	// A follow-up request still works; the duplicate went nowhere.
	go func() {
		_, err := c.All(context.Background(), "SELECT 2")
		done <- err
	}()
	req2 := ft.sentEnv(t, 1).Payload.(types.ExecRequest)
	if req2.ID == req.ID {
		t.Fatal("request ids must be unique")
	}
	ft.recv <- types.Envelope{Type: types.MsgExecFinished, Payload: types.ExecFinished{ID: req2.ID, Columns: []string{}}}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestSend_TimesOutLocally(t *testing.T) {
	ft := newFakeTransport()
	c := Dial(ft, Options{Timeout: 50 * time.Millisecond})
	defer c.Close()

	_, err := c.All(context.Background(), "SELECT 1")
	if !errors.Is(err, types.ErrRequestTimeout) {
		t.Fatalf("error = %v, want ErrRequestTimeout", err)
	}
}

func TestSend_ContextCancel(t *testing.T) {
	ft := newFakeTransport()
	c := Dial(ft, Options{Timeout: 10 * time.Second})
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.All(ctx, "SELECT 1")
		errCh <- err
	}()
	ft.sentEnv(t, 0)
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v", err)
	}
}

func TestClose_RejectsAllPending(t *testing.T) {
	ft := newFakeTransport()
	c := Dial(ft, Options{Timeout: 10 * time.Second})

	const n = 5
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := c.All(context.Background(), "SELECT 1")
			errCh <- err
		}()
	}
	for i := 0; i < n; i++ {
		ft.sentEnv(t, i)
	}

	c.Close()

	// Every pending request is rejected, never silently dropped.
	for i := 0; i < n; i++ {
		select {
		case err := <-errCh:
			if !errors.Is(err, types.ErrConnectionReset) {
				t.Errorf("pending %d: error = %v, want ErrConnectionReset", i, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("pending request hung after close")
		}
	}
}

func TestReset_RejectsPendingAndKeepsConnUsable(t *testing.T) {
	ft := newFakeTransport()
	c := Dial(ft, Options{Timeout: 10 * time.Second})
	defer c.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.All(context.Background(), "SELECT 1")
		errCh <- err
	}()
	stale := ft.sentEnv(t, 0).Payload.(types.ExecRequest)

	c.Reset()
	if err := <-errCh; !errors.Is(err, types.ErrConnectionReset) {
		t.Fatalf("error = %v, want ErrConnectionReset", err)
	}

	// A response from the previous generation must not reach a post-reset
	// caller: its entry is gone, so it is discarded.
	ft.recv <- types.Envelope{Type: types.MsgExecFinished, Payload: types.ExecFinished{ID: stale.ID, Columns: []string{}}}

	done := make(chan error, 1)
	go func() {
		_, err := c.All(context.Background(), "SELECT 2")
		done <- err
	}()
	req := ft.sentEnv(t, 1).Payload.(types.ExecRequest)
	ft.recv <- types.Envelope{Type: types.MsgExecFinished, Payload: types.ExecFinished{ID: req.ID, Columns: []string{}}}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestInit_Handshake(t *testing.T) {
	ft := newFakeTransport()
	c := Dial(ft, Options{Timeout: 2 * time.Second})
	defer c.Close()

	infoCh := make(chan types.InitFinished, 1)
	go func() {
		info, err := c.Init(context.Background(), types.InitRequest{Filename: "x.db"})
		if err != nil {
			t.Error(err)
		}
		infoCh <- info
	}()

	env := ft.sentEnv(t, 0)
	if env.Type != types.MsgInit {
		t.Fatalf("sent %s, want init", env.Type)
	}
	ft.recv <- types.Envelope{Type: types.MsgInitFinished, Payload: types.InitFinished{EngineVersion: "3.46.0", Filename: "x.db", Persistent: true}}

	info := <-infoCh
	if info.EngineVersion != "3.46.0" || !info.Persistent {
		t.Fatalf("info = %+v", info)
	}
	if c.State() != types.StateReady {
		t.Errorf("state = %v", c.State())
	}
}

func TestInit_OverlappingCallRejected(t *testing.T) {
	ft := newFakeTransport()
	c := Dial(ft, Options{Timeout: 2 * time.Second})
	defer c.Close()

	infoCh := make(chan error, 1)
	go func() {
		_, err := c.Init(context.Background(), types.InitRequest{})
		infoCh <- err
	}()
	ft.sentEnv(t, 0)

	// A second Init while the first handshake is outstanding fails fast
	// instead of stealing the first caller's waiter.
	if _, err := c.Init(context.Background(), types.InitRequest{}); !errors.Is(err, types.ErrInitPending) {
		t.Fatalf("overlapping init: %v", err)
	}

	ft.recv <- types.Envelope{Type: types.MsgInitFinished, Payload: types.InitFinished{EngineVersion: "3.46.0"}}
	if err := <-infoCh; err != nil {
		t.Fatal(err)
	}

	// With the handshake settled, a fresh Init is accepted again.
	done := make(chan error, 1)
	go func() {
		_, err := c.Init(context.Background(), types.InitRequest{})
		done <- err
	}()
	ft.sentEnv(t, 1)
	ft.recv <- types.Envelope{Type: types.MsgInitFinished, Payload: types.InitFinished{EngineVersion: "3.46.0"}}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestInit_TimeoutUnblocksNextInit(t *testing.T) {
	ft := newFakeTransport()
	c := Dial(ft, Options{Timeout: 30 * time.Millisecond})
	defer c.Close()

	_, err := c.Init(context.Background(), types.InitRequest{})
	if !errors.Is(err, types.ErrRequestTimeout) {
		t.Fatalf("error = %v", err)
	}

	// The abandoned waiter is cleared, so a retry is not rejected as
	// overlapping.
	done := make(chan error, 1)
	go func() {
		_, err := c.Init(context.Background(), types.InitRequest{})
		done <- err
	}()
	ft.sentEnv(t, 1)
	ft.recv <- types.Envelope{Type: types.MsgInitFinished, Payload: types.InitFinished{EngineVersion: "3.46.0"}}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestInit_FailureMarksFailed(t *testing.T) {
	ft := newFakeTransport()
	c := Dial(ft, Options{Timeout: 2 * time.Second})
	defer c.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Init(context.Background(), types.InitRequest{})
		errCh <- err
	}()
	ft.sentEnv(t, 0)
	ft.recv <- types.Envelope{Type: types.MsgInitError, Payload: types.InitFailed{Message: "no storage"}}

	err := <-errCh
	var initErr *types.InitError
	if !errors.As(err, &initErr) {
		t.Fatalf("error = %v, want *InitError", err)
	}
	if c.State() != types.StateFailed {
		t.Errorf("state = %v, want failed", c.State())
	}

	// Failed is distinguishable from still-connecting: sends fail fast.
	if _, err := c.All(context.Background(), "SELECT 1"); !errors.Is(err, types.ErrBackendFailed) {
		t.Errorf("send on failed conn: %v", err)
	}
}

func TestRequestIDs_TimeOrderedUnique(t *testing.T) {
	a, b := newRequestID(), newRequestID()
	if a == b {
		t.Fatal("ids collide")
	}
	if !(a < b) {
		t.Errorf("ids not time-ordered: %s then %s", a, b)
	}
}
