// Package remote implements an engine adapter that forwards a recognition
// request to an upstream streaming ASR service over a websocket. The upstream
// protocol is a JSON start request, binary audio frames, a JSON finish
// command, and JSON result frames.
package remote

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/veltalab/asrworker/pkg/engine"
)

const defaultDialTimeout = 10 * time.Second

// Config describes the upstream service and the audio it will receive.
type Config struct {
	// URL is the websocket endpoint, e.g. wss://host/api/v2/asr.
	URL string `yaml:"url"`

	// AppID and AccessToken authenticate the worker upstream.
	AppID       string `yaml:"app_id,omitempty"`
	AccessToken string `yaml:"access_token,omitempty"`

	// Cluster selects the upstream model cluster.
	Cluster string `yaml:"cluster,omitempty"`

	// Format and SampleRate describe the audio frames fed to the service.
	Format     string `yaml:"format,omitempty"`
	SampleRate int    `yaml:"sample_rate,omitempty"`

	// Language is optional; the upstream default applies when empty.
	Language string `yaml:"language,omitempty"`

	// DialTimeoutSeconds bounds the websocket handshake. Zero means 10s.
	DialTimeoutSeconds int `yaml:"dial_timeout,omitempty"`
}

func (c *Config) dialTimeout() time.Duration {
	if c.DialTimeoutSeconds <= 0 {
		return defaultDialTimeout
	}
	return time.Duration(c.DialTimeoutSeconds) * time.Second
}

// Error is a failure reported by the upstream service.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	ReqID   string `json:"reqid,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote: %s (code=%d, reqid=%s)", e.Message, e.Code, e.ReqID)
}

// Factory returns an engine.Factory producing one Adapter per session.
func Factory(cfg *Config, log *slog.Logger) engine.Factory {
	return func(cb engine.Callbacks) (engine.Adapter, error) {
		return New(cfg, cb, log), nil
	}
}

// Adapter streams one request to the upstream service. It delivers
// whole-hypothesis callbacks and does not support adaptation state.
type Adapter struct {
	cfg *Config
	cb  engine.Callbacks
	log *slog.Logger

	mu     sync.Mutex // guards conn writes and lifecycle fields
	conn   *websocket.Conn
	reqID  string
	closed chan struct{}
	once   sync.Once // closing
	term   sync.Once // terminal callback delivery
}

// New returns an adapter wired to cb. The upstream connection is opened
// lazily by InitRequest.
func New(cfg *Config, cb engine.Callbacks, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		cfg:    cfg,
		cb:     cb,
		log:    log,
		closed: make(chan struct{}),
	}
}

// InitRequest dials the upstream service and sends the start request.
// The worker's request id is carried upstream as the user id; the upstream
// request id is generated fresh.
func (a *Adapter) InitRequest(id, contentType string) error {
	u, err := url.Parse(a.cfg.URL)
	if err != nil {
		return fmt.Errorf("remote: parse url: %w", err)
	}
	q := u.Query()
	if a.cfg.AppID != "" {
		q.Set("appid", a.cfg.AppID)
	}
	if a.cfg.AccessToken != "" {
		q.Set("token", a.cfg.AccessToken)
	}
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: a.cfg.dialTimeout()}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("remote: connect upstream: %w", err)
	}

	reqID := uuid.NewString()
	start := map[string]any{
		"app": map[string]any{
			"appid":   a.cfg.AppID,
			"cluster": a.cfg.Cluster,
		},
		"user": map[string]any{
			"uid": id,
		},
		"audio": map[string]any{
			"format":       a.cfg.Format,
			"sample_rate":  a.cfg.SampleRate,
			"content_type": contentType,
		},
		"request": map[string]any{
			"reqid":       reqID,
			"result_type": "full",
		},
	}
	if a.cfg.Language != "" {
		start["request"].(map[string]any)["language"] = a.cfg.Language
	}
	if err := conn.WriteJSON(start); err != nil {
		conn.Close()
		return fmt.Errorf("remote: send start request: %w", err)
	}

	a.mu.Lock()
	a.conn = conn
	a.reqID = reqID
	a.mu.Unlock()

	go a.receiveLoop(conn)
	return nil
}

// FeedData forwards one audio chunk upstream as a binary frame.
func (a *Adapter) FeedData(data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return fmt.Errorf("remote: feed before init")
	}
	if err := a.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("remote: send audio: %w", err)
	}
	return nil
}

// EndRequest sends the finish command; results keep arriving until the
// upstream marks the stream final.
func (a *Adapter) EndRequest() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return fmt.Errorf("remote: end before init")
	}
	finish := map[string]any{
		"request": map[string]any{
			"reqid":   a.reqID,
			"command": "finish",
		},
	}
	if err := a.conn.WriteJSON(finish); err != nil {
		return fmt.Errorf("remote: send finish command: %w", err)
	}
	return nil
}

// Cancel drops the upstream connection. The receive loop then reports
// end-of-recognition so the worker's teardown does not wait out its poll.
func (a *Adapter) Cancel() error {
	a.close()
	return nil
}

// FinishRequest releases the upstream connection if still open.
func (a *Adapter) FinishRequest() error {
	a.close()
	return nil
}

// SetAdaptationState is not supported by the upstream protocol.
func (a *Adapter) SetAdaptationState(blob []byte) error {
	return fmt.Errorf("remote: adaptation state not supported")
}

func (a *Adapter) close() {
	a.once.Do(func() {
		close(a.closed)
		a.mu.Lock()
		if a.conn != nil {
			a.conn.Close()
		}
		a.mu.Unlock()
	})
}

func (a *Adapter) isClosed() bool {
	select {
	case <-a.closed:
		return true
	default:
		return false
	}
}

func (a *Adapter) receiveLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if a.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				a.term.Do(a.cb.OnEndOfRecognition)
			} else {
				a.term.Do(func() { a.cb.OnError(err.Error()) })
			}
			return
		}

		var resp struct {
			ReqID   string `json:"reqid"`
			Code    int    `json:"code"`
			Message string `json:"message"`
			Result  struct {
				Text    string `json:"text"`
				IsFinal bool   `json:"is_final"`
			} `json:"result"`
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			a.log.Warn("remote: dropping unparseable frame", "err", err)
			continue
		}

		if resp.Code != 0 && resp.Code != codeSuccess {
			upErr := &Error{Code: resp.Code, Message: resp.Message, ReqID: resp.ReqID}
			a.term.Do(func() { a.cb.OnError(upErr.Error()) })
			a.close()
			return
		}

		if resp.Result.Text != "" {
			a.cb.OnResult(resp.Result.Text, resp.Result.IsFinal)
		}
		if resp.Result.IsFinal {
			a.term.Do(a.cb.OnEndOfRecognition)
			a.close()
			return
		}
	}
}

// codeSuccess is the upstream's non-zero success code.
const codeSuccess = 1000
