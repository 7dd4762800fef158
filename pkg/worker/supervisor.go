package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/veltalab/asrworker/pkg/engine"
)

// Supervisor keeps one worker connected to the dispatch server. Each
// iteration opens a fresh transport and runs a fresh session (fresh engine
// adapter, fresh post-processing pipe) to completion; connection failures are
// retried with a fixed delay.
type Supervisor struct {
	cfg     *Config
	factory engine.Factory
	log     *slog.Logger

	// dial is a seam for tests; it defaults to Dial.
	dial func(ctx context.Context, uri string) (Transport, error)
}

// NewSupervisor returns a supervisor for cfg. A nil logger selects
// slog.Default().
func NewSupervisor(cfg *Config, factory engine.Factory, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{cfg: cfg, factory: factory, log: log, dial: Dial}
}

// Run loops for the lifetime of the process; it returns only when ctx is
// cancelled. Cancellation also closes the transport of a running session so
// the worker can shut down between messages.
func (sv *Supervisor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		tr, err := sv.dial(ctx, sv.cfg.ServerURI)
		if err != nil {
			sv.log.Error("cannot connect to server, waiting before retry",
				"uri", sv.cfg.ServerURI, "delay", sv.cfg.reconnectDelay(), "err", err)
			if err := sleepCtx(ctx, sv.cfg.reconnectDelay()); err != nil {
				return err
			}
		} else {
			sv.runSession(ctx, tr)
		}

		// Short pause to avoid a tight reconnect race against a server
		// that is cycling quickly.
		if err := sleepCtx(ctx, sv.cfg.tick()); err != nil {
			return err
		}
	}
}

func (sv *Supervisor) runSession(ctx context.Context, tr Transport) {
	sess, err := NewSession(sv.cfg, tr, sv.factory, sv.log)
	if err != nil {
		tr.Close()
		sv.log.Error("cannot create session", "err", err)
		return
	}
	stop := context.AfterFunc(ctx, func() { tr.Close() })
	defer stop()
	sess.Run()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
