package mux

import (
	"fmt"
	"testing"
	"time"

	"github.com/ntropish/larder/pkg/types"
)

// harness plays the backend side of a mux: the test reads forwarded
// messages from inbox and pushes events through events.
type harness struct {
	inbox  chan types.Envelope
	events chan types.Envelope
	mux    *Mux
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		inbox:  make(chan types.Envelope, 256),
		events: make(chan types.Envelope, 256),
	}
	h.mux = New(h.inbox, h.events, nil)
	go h.mux.Run()
	t.Cleanup(func() {
		h.mux.Shutdown()
		close(h.events)
	})
	return h
}

// ready completes the init handshake from the backend side.
func (h *harness) ready() {
	h.events <- types.Envelope{Type: types.MsgInitFinished, Payload: types.InitFinished{}}
}

func (h *harness) forwarded(t *testing.T) types.Envelope {
	t.Helper()
	select {
	case env := <-h.inbox:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("nothing forwarded to backend")
		return types.Envelope{}
	}
}

func execEnv(id string) types.Envelope {
	return types.Envelope{Type: types.MsgExecAll, Payload: types.ExecRequest{ID: id}}
}

func TestQueueBeforeReadiness_FlushedInOrder(t *testing.T) {
	h := newHarness(t)
	p := h.mux.Connect()

	const n = 10
	for i := 0; i < n; i++ {
		if err := p.Send(execEnv(fmt.Sprintf("r%02d", i))); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	select {
	case env := <-h.inbox:
		t.Fatalf("message forwarded before readiness: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}

	h.ready()

	// Delivered to the backend after readiness, in send order, none
	// dropped, none duplicated.
	for i := 0; i < n; i++ {
		env := h.forwarded(t)
		got := env.Payload.(types.ExecRequest).ID
		want := fmt.Sprintf("r%02d", i)
		if got != want {
			t.Fatalf("message %d: got id %s, want %s", i, got, want)
		}
	}
	select {
	case env := <-h.inbox:
		t.Fatalf("duplicate message: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendAfterReadiness_ForwardedImmediately(t *testing.T) {
	h := newHarness(t)
	p := h.mux.Connect()
	h.ready()
	waitState(t, h.mux, types.StateReady)

	if err := p.Send(execEnv("r1")); err != nil {
		t.Fatal(err)
	}
	env := h.forwarded(t)
	if env.Payload.(types.ExecRequest).ID != "r1" {
		t.Fatalf("got %+v", env)
	}
}

func TestInitBypassesQueue(t *testing.T) {
	h := newHarness(t)
	p := h.mux.Connect()

	if err := p.Send(types.Envelope{Type: types.MsgInit, Payload: types.InitRequest{}}); err != nil {
		t.Fatal(err)
	}
	env := h.forwarded(t)
	if env.Type != types.MsgInit {
		t.Fatalf("got %s", env.Type)
	}
}

func TestFanOut_AllPortsReceiveEveryEvent(t *testing.T) {
	h := newHarness(t)
	p1 := h.mux.Connect()
	p2 := h.mux.Connect()

	h.events <- types.Envelope{Type: types.MsgExecFinished, Payload: types.ExecFinished{ID: "r1"}}

	for _, p := range []*Port{p1, p2} {
		select {
		case env := <-p.Recv():
			if env.Payload.(types.ExecFinished).ID != "r1" {
				t.Fatalf("got %+v", env)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("port did not receive fan-out")
		}
	}
}

func TestClosedPortStopsReceiving(t *testing.T) {
	h := newHarness(t)
	p1 := h.mux.Connect()
	p2 := h.mux.Connect()
	p1.Close()

	if err := p1.Send(execEnv("r1")); err != types.ErrConnClosed {
		t.Errorf("send on closed port: %v", err)
	}

	h.events <- types.Envelope{Type: types.MsgExecFinished, Payload: types.ExecFinished{ID: "r1"}}
	select {
	case env := <-p2.Recv():
		if env.Payload.(types.ExecFinished).ID != "r1" {
			t.Fatalf("got %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("surviving port did not receive event")
	}
	if _, ok := <-p1.Recv(); ok {
		t.Error("closed port still delivering")
	}
}

// TestPortCloseDuringEventStream detaches ports while the backend streams
// events. Delivery and close are serialized on the mux lock, so a close
// landing mid-fan-out must never panic the dispatch loop.
func TestPortCloseDuringEventStream(t *testing.T) {
	h := newHarness(t)
	h.ready()
	waitState(t, h.mux, types.StateReady)

	stop := make(chan struct{})
	streamed := make(chan struct{})
	go func() {
		defer close(streamed)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			case h.events <- types.Envelope{Type: types.MsgDebug, Payload: types.Debug{Lines: []string{fmt.Sprint(i)}}}:
			}
		}
	}()

	for i := 0; i < 200; i++ {
		p := h.mux.Connect()
		// Drain a little so some deliveries land before the close.
		select {
		case <-p.Recv():
		case <-time.After(time.Millisecond):
		}
		p.Close()
	}

	close(stop)
	<-streamed

	// The dispatch loop survived: a fresh port still receives events.
	p := h.mux.Connect()
	h.events <- types.Envelope{Type: types.MsgDebug, Payload: types.Debug{Lines: []string{"after"}}}
	select {
	case <-p.Recv():
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch loop stopped delivering after port churn")
	}
}

func TestRestart_QueuesUntilNextHandshake(t *testing.T) {
	h := newHarness(t)
	p := h.mux.Connect()
	h.ready()
	waitState(t, h.mux, types.StateReady)

	h.mux.Restart()
	if err := p.Send(execEnv("r1")); err != nil {
		t.Fatal(err)
	}
	select {
	case env := <-h.inbox:
		t.Fatalf("message forwarded while reconnecting: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}

	h.ready()
	env := h.forwarded(t)
	if env.Payload.(types.ExecRequest).ID != "r1" {
		t.Fatalf("got %+v", env)
	}
}

func TestInitError_MarksFailedAndStillForwards(t *testing.T) {
	h := newHarness(t)
	p := h.mux.Connect()

	if err := p.Send(execEnv("r1")); err != nil {
		t.Fatal(err)
	}
	h.events <- types.Envelope{Type: types.MsgInitError, Payload: types.InitFailed{Message: "no storage"}}
	waitState(t, h.mux, types.StateFailed)

	// Queued traffic is flushed so the failed backend can reject each
	// request instead of leaving callers queued forever.
	env := h.forwarded(t)
	if env.Payload.(types.ExecRequest).ID != "r1" {
		t.Fatalf("got %+v", env)
	}
}

func waitState(t *testing.T, m *Mux, want types.ConnState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("mux never reached state %v", want)
}
