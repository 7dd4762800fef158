// Package worker implements the streaming recognition worker: the per-request
// session state machine, the silence watchdog, and the supervisor loop that
// keeps one worker connected to the dispatch server.
package worker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/veltalab/asrworker/pkg/adaptation"
	"github.com/veltalab/asrworker/pkg/engine"
	"github.com/veltalab/asrworker/pkg/postproc"
	"github.com/veltalab/asrworker/pkg/wire"
)

// undefinedRequestID is the placeholder before the init message arrives.
const undefinedRequestID = "<undefined>"

// cancelPollAttempts bounds the teardown wait for a cancelled engine.
const cancelPollAttempts = 30

// Session drives one recognition request over one server connection. It owns
// one engine adapter and one optional post-processing pipe for its lifetime,
// dispatches inbound messages, and emits outbound events. All its mutable
// fields are guarded by a single mutex because the dispatch goroutine, the
// watchdog, and engine callbacks touch them concurrently.
type Session struct {
	cfg  *Config
	tr   Transport
	eng  engine.Adapter
	post *postproc.Pipe

	mu           sync.Mutex
	state        State
	requestID    string
	partial      string
	lastActivity time.Time
	logger       *slog.Logger
	watchdogOn   bool

	watchdogDone chan struct{}
	finishOnce   sync.Once
	finishDone   chan struct{}
}

// NewSession builds a session around an open transport. The engine adapter
// and the post-processing pipe are created fresh here and belong exclusively
// to this session.
func NewSession(cfg *Config, tr Transport, factory engine.Factory, log *slog.Logger) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		cfg:          cfg,
		tr:           tr,
		state:        StateCreated,
		requestID:    undefinedRequestID,
		lastActivity: time.Now(),
		logger:       log,
		watchdogDone: make(chan struct{}),
		finishDone:   make(chan struct{}),
	}
	eng, err := factory(s)
	if err != nil {
		return nil, fmt.Errorf("worker: create engine adapter: %w", err)
	}
	s.eng = eng
	if cfg.PostProcessor != "" {
		post, err := postproc.Start(cfg.PostProcessor, cfg.postProcessTimeout())
		if err != nil {
			return nil, fmt.Errorf("worker: start post-processor: %w", err)
		}
		s.post = post
	}
	return s, nil
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RequestID returns the id assigned by the server's init message, or a
// placeholder before initialization.
func (s *Session) RequestID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestID
}

// Run reads and dispatches inbound messages until the transport closes, then
// performs teardown. It always leaves the session in StateFinished.
func (s *Session) Run() {
	s.setState(StateConnected)
	s.logw().Info("connected to server")
	for {
		msg, err := s.tr.ReadMessage()
		if err != nil {
			s.logw().Debug("transport closed", "err", err)
			break
		}
		s.dispatch(msg)
	}
	s.finishRequest()
	if s.post != nil {
		s.post.Close()
	}
	s.mu.Lock()
	watching := s.watchdogOn
	s.mu.Unlock()
	if watching {
		<-s.watchdogDone
	}
}

func (s *Session) dispatch(msg *Message) {
	if !msg.Binary && string(msg.Data) == wire.EOS {
		s.handleEOS()
		return
	}

	s.mu.Lock()
	st := s.state
	s.mu.Unlock()

	switch {
	case st == StateConnected:
		if msg.Binary {
			s.logw().Warn("ignoring audio before request init")
			return
		}
		s.handleInit(msg.Data)
	case st == StateCancelling || st == StateEOSReceived || st == StateFinished:
		s.logw().Info("ignoring message from server", "state", st.String())
	case msg.Binary:
		s.handleAudio(msg.Data)
	default:
		s.handleControl(msg.Data)
	}
}

func (s *Session) handleInit(data []byte) {
	var init wire.InitMessage
	if err := json.Unmarshal(data, &init); err != nil {
		s.logw().Warn("malformed init message", "err", err)
		return
	}

	s.mu.Lock()
	s.requestID = init.ID
	s.logger = s.logger.With("request_id", init.ID)
	s.mu.Unlock()

	if err := s.eng.InitRequest(init.ID, init.ContentType); err != nil {
		s.logw().Error("engine init failed", "err", err)
		s.OnError(err.Error())
		return
	}

	s.mu.Lock()
	s.lastActivity = time.Now()
	s.state = StateInitialized
	startGuard := !s.watchdogOn
	s.watchdogOn = true
	s.mu.Unlock()

	if startGuard {
		go s.guardTimeout()
		s.logw().Info("started timeout guard")
	}
	s.logw().Info("initialized request", "content_type", init.ContentType)
}

func (s *Session) handleAudio(data []byte) {
	if err := s.eng.FeedData(data); err != nil {
		s.logw().Error("engine rejected audio", "err", err)
		s.OnError(err.Error())
		return
	}
	s.mu.Lock()
	if s.state == StateInitialized || s.state == StateProcessing {
		s.state = StateProcessing
	}
	s.mu.Unlock()
}

func (s *Session) handleControl(data []byte) {
	var ctl wire.ControlMessage
	if err := json.Unmarshal(data, &ctl); err != nil {
		s.logw().Warn("unparseable message from server", "err", err)
		return
	}
	if ctl.AdaptationState == nil {
		s.logw().Warn("got JSON message but don't know what to do with it")
		return
	}
	blob, err := adaptation.Decode(ctl.AdaptationState)
	if err != nil {
		s.logw().Warn("dropping adaptation state", "err", err)
		return
	}
	s.logw().Info("setting adaptation state to server-provided value")
	if err := s.eng.SetAdaptationState(blob); err != nil {
		s.logw().Warn("engine refused adaptation state", "err", err)
	}
}

func (s *Session) handleEOS() {
	s.mu.Lock()
	st := s.state
	if st == StateCancelling || st == StateEOSReceived || st == StateFinished {
		s.mu.Unlock()
		s.logw().Info("ignoring EOS", "state", st.String())
		return
	}
	s.state = StateEOSReceived
	s.mu.Unlock()

	if err := s.eng.EndRequest(); err != nil {
		s.logw().Error("engine end-of-stream failed", "err", err)
		s.OnError(err.Error())
	}
}

// guardTimeout is the silence watchdog. It runs once per session, started
// when the session is initialized, and fires at most once.
func (s *Session) guardTimeout() {
	defer close(s.watchdogDone)
	timeout := s.cfg.silenceTimeout()
	for {
		time.Sleep(s.cfg.tick())
		s.mu.Lock()
		st := s.state
		last := s.lastActivity
		s.mu.Unlock()
		if !st.active() {
			return
		}
		if time.Since(last) > timeout {
			s.logw().Warn("engine silent for too long, cancelling request", "timeout", timeout)
			s.finishRequest()
			s.sendEvent(wire.RejectionEvent(wire.StatusNoSpeech, ""))
			s.tr.Close()
			return
		}
	}
}

// finishRequest runs the teardown policy exactly once; concurrent callers
// block until it completes.
func (s *Session) finishRequest() {
	s.finishOnce.Do(func() {
		s.doFinish()
		close(s.finishDone)
	})
	<-s.finishDone
}

func (s *Session) doFinish() {
	s.mu.Lock()
	st := s.state
	switch st {
	case StateFinished:
		s.mu.Unlock()
		return
	case StateCreated, StateConnected, StateInitialized:
		// No audio was ever processed; release the engine directly.
		s.state = StateFinished
		s.mu.Unlock()
		if err := s.eng.FinishRequest(); err != nil {
			s.logw().Warn("engine finish failed", "err", err)
		}
		return
	}
	s.state = StateCancelling
	s.mu.Unlock()

	s.logw().Info("server disconnected before recognition finished, cancelling")
	if err := s.eng.Cancel(); err != nil {
		s.logw().Warn("engine cancel failed", "err", err)
	}
	for attempt := 1; attempt <= cancelPollAttempts; attempt++ {
		if s.State() != StateCancelling {
			break
		}
		s.logw().Info("waiting for engine to finish", "attempt", attempt)
		time.Sleep(s.cfg.tick())
	}

	s.mu.Lock()
	forced := s.state == StateCancelling
	s.state = StateFinished
	s.mu.Unlock()
	if forced {
		// The engine is presumed hung; recycle the worker anyway.
		s.logw().Warn("giving up waiting for engine, forcing finish")
	}
	if err := s.eng.FinishRequest(); err != nil {
		s.logw().Warn("engine finish failed", "err", err)
	}
}

// OnResult implements engine.Callbacks for whole-hypothesis engines.
func (s *Session) OnResult(text string, final bool) {
	s.touch()
	processed, err := s.postProcess(text)
	if err != nil {
		s.postProcFailure(err)
		return
	}
	s.sendEvent(wire.TranscriptEvent(processed, final))
}

// OnWord implements engine.Callbacks for incremental-word engines. The
// sentinel token marks an utterance boundary and resets the accumulator.
func (s *Session) OnWord(token string) {
	s.touch()
	if token == s.cfg.sentinel() {
		s.mu.Lock()
		text := s.partial
		s.partial = ""
		s.mu.Unlock()
		processed, err := s.postProcess(text)
		if err != nil {
			s.postProcFailure(err)
			return
		}
		s.sendEvent(wire.TranscriptEvent(processed, true))
		return
	}

	s.mu.Lock()
	if s.partial != "" {
		s.partial += " "
	}
	s.partial += token
	text := s.partial
	s.mu.Unlock()

	processed, err := s.postProcess(text)
	if err != nil {
		s.postProcFailure(err)
		return
	}
	s.sendEvent(wire.TranscriptEvent(processed, false))
}

// OnEndOfRecognition implements engine.Callbacks.
func (s *Session) OnEndOfRecognition() {
	s.touch()
	s.setState(StateFinished)
	s.sendAdaptationState()
	s.tr.Close()
}

// OnError implements engine.Callbacks. It is terminal for the session.
func (s *Session) OnError(message string) {
	s.setState(StateFinished)
	s.sendEvent(wire.RejectionEvent(wire.StatusNotAllowed, message))
	s.tr.Close()
}

func (s *Session) postProcess(text string) (string, error) {
	if s.post == nil {
		return text, nil
	}
	return s.post.Process(text)
}

func (s *Session) postProcFailure(err error) {
	s.logw().Error("post-processor failed", "err", err)
	s.OnError(err.Error())
}

func (s *Session) sendAdaptationState() {
	provider, ok := s.eng.(engine.StateProvider)
	if !ok {
		s.logw().Info("adaptation state not supported by the engine, not sending it")
		return
	}
	blob, err := provider.AdaptationState()
	if err != nil {
		s.logw().Warn("cannot read adaptation state", "err", err)
		return
	}
	state, err := adaptation.Encode(blob, time.Now())
	if err != nil {
		s.logw().Warn("cannot encode adaptation state", "err", err)
		return
	}
	s.logw().Info("sending adaptation state to server")
	s.sendEvent(&wire.Event{Status: wire.StatusSuccess, AdaptationState: state})
}

// sendEvent writes an outbound event best-effort; a failing transport is
// already closing, so write errors are only logged.
func (s *Session) sendEvent(ev *wire.Event) {
	if err := s.tr.WriteJSON(ev); err != nil {
		s.logw().Warn("failed to send event to server", "err", err)
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	now := time.Now()
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
	s.mu.Unlock()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	old := s.state
	s.state = st
	s.mu.Unlock()
	if old != st {
		s.logw().Debug("state transition", "from", old.String(), "to", st.String())
	}
}

func (s *Session) logw() *slog.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logger
}
