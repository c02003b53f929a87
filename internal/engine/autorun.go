package engine

import (
	"context"
	"time"

	"github.com/rendis/stagehand/pkg/schema"
)

// autoRunner is one session's auto-execute driver goroutine.
type autoRunner struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// armAuto starts the auto-execute driver for a session. At most one driver
// runs per session; arming an armed session is a no-op.
func (c *Controller) armAuto(ctx context.Context, sessionID string) {
	c.mu.Lock()
	if _, ok := c.runners[sessionID]; ok {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(context.Background())
	runner := &autoRunner{cancel: cancel, done: make(chan struct{})}
	c.runners[sessionID] = runner
	c.mu.Unlock()

	c.appendEvent(ctx, sessionID, schema.EventAutoExecuteArmed, nil, "", map[string]any{
		"delay_ms": c.delay.Milliseconds(),
	})
	c.logger.InfoContext(ctx, "auto-execute armed", "session_id", sessionID, "delay", c.delay.String())

	go c.runAuto(runCtx, sessionID, runner)
}

// stopAuto disarms a session's driver and waits for it to exit.
// No-op when the session is not armed.
func (c *Controller) stopAuto(sessionID string) {
	c.mu.Lock()
	runner, ok := c.runners[sessionID]
	c.mu.Unlock()
	if !ok {
		return
	}
	runner.cancel()
	<-runner.done
}

// autoArmed reports whether the session currently has a driver.
func (c *Controller) autoArmed(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.runners[sessionID]
	return ok
}

// runAuto executes steps on a re-arming delay until the session reaches a
// terminal state, an unrecoverable error occurs, or the driver is disarmed.
// A SESSION_BUSY loss to a concurrent manual call is not an error; the driver
// just waits for the next tick.
func (c *Controller) runAuto(ctx context.Context, sessionID string, runner *autoRunner) {
	defer close(runner.done)
	defer func() {
		c.mu.Lock()
		if c.runners[sessionID] == runner {
			delete(c.runners, sessionID)
		}
		c.mu.Unlock()
		// The driver context may already be cancelled here.
		c.appendEvent(context.Background(), sessionID, schema.EventAutoExecuteStopped, nil, "", nil)
	}()

	timer := time.NewTimer(c.delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("auto-execute disarmed", "session_id", sessionID)
			return
		case <-timer.C:
		}

		// Disarming only stops the driver. A step already in flight runs on
		// a context that survives cancellation, so its invocation completes
		// and its result is recorded before the driver exits.
		outcome, err := c.ExecuteNext(context.WithoutCancel(ctx), sessionID)
		switch {
		case err != nil && schema.CodeOf(err) == schema.ErrCodeSessionBusy:
			// A manual call holds the session; retry on the next tick.
		case err != nil:
			c.logger.Warn("auto-execute stopping", "session_id", sessionID,
				"code", schema.CodeOf(err), "error", err)
			return
		case outcome.Status.Terminal():
			c.logger.Info("auto-execute finished", "session_id", sessionID,
				"status", string(outcome.Status))
			return
		}

		timer.Reset(c.delay)
	}
}
