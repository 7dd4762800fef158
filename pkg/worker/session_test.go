package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/veltalab/asrworker/pkg/adaptation"
	"github.com/veltalab/asrworker/pkg/engine"
	"github.com/veltalab/asrworker/pkg/engine/enginetest"
	"github.com/veltalab/asrworker/pkg/wire"
)

var errTransportClosed = errors.New("transport closed")

// fakeTransport is an in-memory Transport driven by the test.
type fakeTransport struct {
	in     chan *Message
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	events []wire.Event
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan *Message, 32), closed: make(chan struct{})}
}

func (t *fakeTransport) ReadMessage() (*Message, error) {
	select {
	case msg := <-t.in:
		return msg, nil
	case <-t.closed:
		return nil, errTransportClosed
	}
}

func (t *fakeTransport) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var ev wire.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	t.mu.Lock()
	t.events = append(t.events, ev)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) sendText(s string)    { t.in <- &Message{Data: []byte(s)} }
func (t *fakeTransport) sendBinary(b []byte)  { t.in <- &Message{Binary: true, Data: b} }
func (t *fakeTransport) sendInit(id string)   { t.sendText(fmt.Sprintf(`{"content_type":"audio/x-raw","id":%q}`, id)) }
func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *fakeTransport) snapshot() []wire.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]wire.Event(nil), t.events...)
}

func testConfig() *Config {
	return &Config{
		SilenceTimeoutSeconds: 1,
		tickInterval:          10 * time.Millisecond,
	}
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// startSession builds a session on a fake transport and runs it.
func startSession(t *testing.T, cfg *Config, adapter *enginetest.Adapter) (*fakeTransport, chan struct{}, *Session) {
	t.Helper()
	return startSessionFactory(t, cfg, enginetest.Factory(adapter))
}

func startSessionFactory(t *testing.T, cfg *Config, factory engine.Factory) (*fakeTransport, chan struct{}, *Session) {
	t.Helper()
	tr := newFakeTransport()
	sess, err := NewSession(cfg, tr, factory, nil)
	if err != nil {
		t.Fatalf("NewSession error: %v", err)
	}
	done := make(chan struct{})
	go func() {
		sess.Run()
		close(done)
	}()
	return tr, done, sess
}

func waitDone(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
}

func TestSilenceTimeout(t *testing.T) {
	adapter := &enginetest.Adapter{}
	tr, done, sess := startSession(t, testConfig(), adapter)

	if got := sess.RequestID(); got != "<undefined>" {
		t.Errorf("RequestID before init = %q; want placeholder", got)
	}
	tr.sendInit("req-1")
	waitFor(t, "engine init", func() bool { return adapter.CallCount("init") == 1 })
	if got := sess.RequestID(); got != "req-1" {
		t.Errorf("RequestID = %q; want %q", got, "req-1")
	}

	// No audio follows; the watchdog must terminate the request.
	waitDone(t, done)

	if got := sess.State(); got != StateFinished {
		t.Errorf("state = %v; want finished", got)
	}
	if !tr.isClosed() {
		t.Error("transport not closed after silence timeout")
	}
	noSpeech := 0
	for _, ev := range tr.snapshot() {
		if ev.Status == wire.StatusNoSpeech {
			noSpeech++
		}
	}
	if noSpeech != 1 {
		t.Errorf("NO_SPEECH events = %d; want exactly 1", noSpeech)
	}
	if n := adapter.CallCount("finish"); n != 1 {
		t.Errorf("finish calls = %d; want 1", n)
	}
}

func TestEOSIsIdempotent(t *testing.T) {
	adapter := &enginetest.Adapter{}
	tr, done, sess := startSession(t, testConfig(), adapter)

	tr.sendInit("req-2")
	tr.sendBinary([]byte{1, 2, 3})
	tr.sendText(wire.EOS)
	waitFor(t, "end request", func() bool { return adapter.CallCount("end") == 1 })

	// Duplicate EOS while already in EOS_RECEIVED is a no-op.
	tr.sendText(wire.EOS)
	waitFor(t, "eos drained", func() bool { return len(tr.in) == 0 })
	time.Sleep(20 * time.Millisecond)
	if n := adapter.CallCount("end"); n != 1 {
		t.Fatalf("end calls after duplicate EOS = %d; want 1", n)
	}

	adapter.EmitEnd()
	waitDone(t, done)
	if got := sess.State(); got != StateFinished {
		t.Errorf("state = %v; want finished", got)
	}
	if n := adapter.CallCount("end"); n != 1 {
		t.Errorf("end calls = %d; want 1", n)
	}
}

func TestCloseBeforeInitSkipsCancel(t *testing.T) {
	adapter := &enginetest.Adapter{}
	tr, done, sess := startSession(t, testConfig(), adapter)

	waitFor(t, "connected", func() bool { return sess.State() == StateConnected })
	tr.Close()
	waitDone(t, done)

	if got := sess.State(); got != StateFinished {
		t.Errorf("state = %v; want finished", got)
	}
	if n := adapter.CallCount("cancel"); n != 0 {
		t.Errorf("cancel calls = %d; want 0", n)
	}
	if n := adapter.CallCount("finish"); n != 1 {
		t.Errorf("finish calls = %d; want 1", n)
	}
}

func TestCancelTeardownIsBounded(t *testing.T) {
	adapter := &enginetest.Adapter{}
	tr, done, sess := startSession(t, testConfig(), adapter)

	tr.sendInit("req-3")
	tr.sendBinary([]byte{1})
	waitFor(t, "processing", func() bool { return sess.State() == StateProcessing })

	// The engine never reports completion after cancel; teardown must give
	// up after the bounded poll rather than hang.
	start := time.Now()
	tr.Close()
	waitDone(t, done)

	if got := sess.State(); got != StateFinished {
		t.Errorf("state = %v; want finished", got)
	}
	if n := adapter.CallCount("cancel"); n != 1 {
		t.Errorf("cancel calls = %d; want 1", n)
	}
	if n := adapter.CallCount("finish"); n != 1 {
		t.Errorf("finish calls = %d; want 1", n)
	}
	// 30 polls at the test tick plus slack.
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("teardown took %v; want bounded by the poll cap", elapsed)
	}
}

func TestCancelTeardownUnblockedByEngine(t *testing.T) {
	adapter := &enginetest.Adapter{}
	tr, done, sess := startSession(t, testConfig(), adapter)

	tr.sendInit("req-4")
	tr.sendBinary([]byte{1})
	waitFor(t, "processing", func() bool { return sess.State() == StateProcessing })

	tr.Close()
	waitFor(t, "cancelling", func() bool { return adapter.CallCount("cancel") == 1 })
	adapter.EmitEnd()
	waitDone(t, done)

	if n := adapter.CallCount("finish"); n != 1 {
		t.Errorf("finish calls = %d; want 1", n)
	}
	if got := sess.State(); got != StateFinished {
		t.Errorf("state = %v; want finished", got)
	}
}

func TestWordModeAccumulation(t *testing.T) {
	adapter := &enginetest.Adapter{}
	cfg := testConfig()
	cfg.DeliveryMode = ModeWord
	tr, done, sess := startSession(t, cfg, adapter)

	tr.sendInit("req-5")
	waitFor(t, "engine init", func() bool { return adapter.CallCount("init") == 1 })

	adapter.EmitWord("ONE")
	adapter.EmitWord("TWO")
	adapter.EmitWord(DefaultSentinel)

	waitFor(t, "three transcript events", func() bool { return len(tr.snapshot()) >= 3 })
	events := tr.snapshot()

	type step struct {
		transcript string
		final      bool
	}
	want := []step{
		{"ONE", false},
		{"ONE TWO", false},
		{"ONE TWO", true},
	}
	for i, w := range want {
		ev := events[i]
		if ev.Status != wire.StatusSuccess || ev.Result == nil || len(ev.Result.Hypotheses) != 1 {
			t.Fatalf("event[%d] malformed: %+v", i, ev)
		}
		if got := ev.Result.Hypotheses[0].Transcript; got != w.transcript {
			t.Errorf("event[%d] transcript = %q; want %q", i, got, w.transcript)
		}
		if ev.Result.Final != w.final {
			t.Errorf("event[%d] final = %v; want %v", i, ev.Result.Final, w.final)
		}
	}

	// The accumulator must reset after the sentinel.
	adapter.EmitWord("THREE")
	waitFor(t, "post-sentinel event", func() bool { return len(tr.snapshot()) >= 4 })
	if got := tr.snapshot()[3].Result.Hypotheses[0].Transcript; got != "THREE" {
		t.Errorf("post-sentinel transcript = %q; want %q", got, "THREE")
	}

	adapter.EmitEnd()
	waitDone(t, done)
	_ = sess
}

func TestPostProcessedHypothesis(t *testing.T) {
	adapter := &enginetest.Adapter{}
	cfg := testConfig()
	cfg.PostProcessor = `while read line; do printf '%s\n' "$line" | tr a-z A-Z; done`
	tr, done, _ := startSession(t, cfg, adapter)

	tr.sendInit("req-6")
	waitFor(t, "engine init", func() bool { return adapter.CallCount("init") == 1 })

	adapter.EmitResult("one two", false)
	waitFor(t, "transcript event", func() bool { return len(tr.snapshot()) >= 1 })

	ev := tr.snapshot()[0]
	if ev.Result == nil || len(ev.Result.Hypotheses) != 1 {
		t.Fatalf("malformed event: %+v", ev)
	}
	if got := ev.Result.Hypotheses[0].Transcript; got != "ONE TWO" {
		t.Errorf("transcript = %q; want %q", got, "ONE TWO")
	}

	adapter.EmitEnd()
	waitDone(t, done)
}

func TestInboundAdaptationState(t *testing.T) {
	adapter := &enginetest.Adapter{}
	tr, done, _ := startSession(t, testConfig(), adapter)

	tr.sendInit("req-7")
	waitFor(t, "engine init", func() bool { return adapter.CallCount("init") == 1 })

	blob := []byte("speaker checkpoint")
	state, err := adaptation.Encode(blob, time.Now())
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	msg, _ := json.Marshal(wire.ControlMessage{AdaptationState: state})
	tr.sendText(string(msg))
	waitFor(t, "adaptation state set", func() bool { return adapter.CallCount("set_state") == 1 })

	if got := adapter.Received[0]; string(got) != string(blob) {
		t.Errorf("engine received %q; want %q", got, blob)
	}

	// Unsupported encodings are dropped, never fatal.
	tr.sendText(`{"adaptation_state": {"type": "string+lzma+base64", "value": "xyz"}}`)
	waitFor(t, "message drained", func() bool { return len(tr.in) == 0 })
	time.Sleep(20 * time.Millisecond)
	if n := adapter.CallCount("set_state"); n != 1 {
		t.Errorf("set_state calls = %d; want 1", n)
	}

	adapter.EmitEnd()
	waitDone(t, done)
}

func TestAdaptationStateSentAtEnd(t *testing.T) {
	adapter := &enginetest.Adapter{Checkpoint: []byte("final checkpoint")}
	tr, done, _ := startSession(t, testConfig(), adapter)

	tr.sendInit("req-8")
	waitFor(t, "engine init", func() bool { return adapter.CallCount("init") == 1 })
	tr.sendText(wire.EOS)
	waitFor(t, "end request", func() bool { return adapter.CallCount("end") == 1 })

	adapter.EmitEnd()
	waitDone(t, done)

	var state *wire.AdaptationState
	for _, ev := range tr.snapshot() {
		if ev.AdaptationState != nil {
			state = ev.AdaptationState
		}
	}
	if state == nil {
		t.Fatal("no adaptation state event sent")
	}
	blob, err := adaptation.Decode(state)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if string(blob) != "final checkpoint" {
		t.Errorf("decoded blob = %q; want %q", blob, "final checkpoint")
	}
}

func TestAdaptationStateGatedByCapability(t *testing.T) {
	adapter := &enginetest.Adapter{Checkpoint: []byte("hidden")}
	factory := func(cb engine.Callbacks) (engine.Adapter, error) {
		inner, err := enginetest.Factory(adapter)(cb)
		if err != nil {
			return nil, err
		}
		return enginetest.Opaque{Adapter: inner}, nil
	}
	tr, done, _ := startSessionFactory(t, testConfig(), factory)

	tr.sendInit("req-9")
	waitFor(t, "engine init", func() bool { return adapter.CallCount("init") == 1 })
	adapter.EmitEnd()
	waitDone(t, done)

	for _, ev := range tr.snapshot() {
		if ev.AdaptationState != nil {
			t.Fatal("adaptation state sent despite engine lacking the capability")
		}
	}
	if n := adapter.CallCount("get_state"); n != 0 {
		t.Errorf("get_state calls = %d; want 0", n)
	}
}

func TestEngineErrorEmitsRejection(t *testing.T) {
	adapter := &enginetest.Adapter{}
	tr, done, sess := startSession(t, testConfig(), adapter)

	tr.sendInit("req-10")
	tr.sendBinary([]byte{1})
	waitFor(t, "processing", func() bool { return sess.State() == StateProcessing })

	adapter.EmitError("decoder exploded")
	waitDone(t, done)

	events := tr.snapshot()
	var rejection *wire.Event
	for i := range events {
		if events[i].Status == wire.StatusNotAllowed {
			rejection = &events[i]
		}
	}
	if rejection == nil {
		t.Fatal("no rejection event sent")
	}
	if rejection.Message != "decoder exploded" {
		t.Errorf("rejection message = %q; want %q", rejection.Message, "decoder exploded")
	}
	if !tr.isClosed() {
		t.Error("transport not closed after engine error")
	}
}
