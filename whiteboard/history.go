package whiteboard

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/alimasry/go-whiteboard/undo"
)

// Edit runs fn against the history on the session loop and sends whatever it
// recorded. fn brackets its changes with StartAction and EndAction.
func (s *Session) Edit(fn func(h *undo.History) error) error {
	var err error
	if derr := s.Do(func() {
		err = fn(s.hist)
		if s.hist.InAction() {
			s.hist.EndAction()
		}
		s.sendHistory(false)
	}); derr != nil {
		return derr
	}
	return err
}

// Undo reverts the last group and returns its page hint. It fails with
// undo.ErrUnconfirmed when the group has already been exchanged and the
// relay is unreachable; ResyncForUndo waits until it is allowed.
func (s *Session) Undo() (int, error) {
	hint := -1
	var err error
	if derr := s.Do(func() {
		if !s.canUndo() {
			err = undo.ErrUnconfirmed
			return
		}
		hint = s.hist.Undo()
		s.sendHistory(false)
	}); derr != nil {
		return -1, derr
	}
	return hint, err
}

// Redo reapplies the next group and returns its page hint, or -1.
func (s *Session) Redo() (int, error) {
	hint := -1
	if err := s.Do(func() {
		hint = s.hist.Redo()
		s.sendHistory(false)
	}); err != nil {
		return -1, err
	}
	return hint, nil
}

// QueueForSend sends pending history. Without force it only sends when
// SendImmediately is set.
func (s *Session) QueueForSend(force bool) error {
	return s.Do(func() { s.sendHistory(force) })
}

// CanUndo reports whether Undo is allowed right now.
func (s *Session) CanUndo() bool {
	var ok bool
	if err := s.Do(func() { ok = s.canUndo() }); err != nil {
		return false
	}
	return ok
}

// canUndo allows undo while the relay keeps everyone consistent, or when the
// group being undone was never exchanged.
func (s *Session) canUndo() bool {
	h := s.hist
	if !h.CanUndo() {
		return false
	}
	if s.state == Off || s.isActive() {
		return true
	}
	return h.Pos() > h.Received() && h.Pos() > h.Sent()
}

// ResyncForUndo reconnects if needed and waits until Undo is allowed. If ctx
// ends first the session is abandoned rather than left half synced.
func (s *Session) ResyncForUndo(ctx context.Context) error {
	return s.resync(ctx, s.canUndo)
}

// ClearUndone discards undone groups before a new edit. Groups the relay has
// already seen are first reverted on every peer: their inverses are sent and
// the call waits for the echo.
func (s *Session) ClearUndone(ctx context.Context) error {
	confirmed := func() bool {
		h := s.hist
		return h.Sent() <= h.Pos() && h.Received() <= h.Pos()
	}
	var needed bool
	if err := s.Do(func() { needed = s.state != Off && !confirmed() }); err != nil {
		return err
	}
	if needed {
		if err := s.resync(ctx, confirmed); err != nil {
			return err
		}
	}
	var err error
	if derr := s.Do(func() { err = s.hist.ClearUndone() }); derr != nil {
		return derr
	}
	return err
}

// resync pushes history out, reconnecting first if the link is down, and
// blocks until ready holds. Received data is applied immediately meanwhile,
// even mid-interaction.
func (s *Session) resync(ctx context.Context, ready func() bool) error {
	var w *waiter
	var closed chan struct{}
	if err := s.Do(func() {
		if ready() {
			return
		}
		if s.state == Off {
			return
		}
		s.blocking = true
		if s.state == Disconnected {
			s.state = Connecting
			reconnects.Inc()
			s.conn.Reconnect()
		} else {
			s.sendHistory(false)
		}
		w = s.waitFor(ready)
		closed = s.closed
	}); err != nil {
		return err
	}
	if w == nil {
		return nil
	}

	var cause error
	select {
	case <-w.ch:
	case <-closed:
		return s.closeError()
	case <-ctx.Done():
		cause = ctx.Err()
	}

	aborted := false
	if err := s.Do(func() {
		s.blocking = false
		if s.state != Off && !ready() {
			s.logger.Warn("resync abandoned",
				zap.Int("pos", s.hist.Pos()),
				zap.Int("sent", s.hist.Sent()),
				zap.Int("received", s.hist.Received()),
			)
			s.editor.Message("Unable to reconnect - whiteboard session closed.", LevelWarning)
			s.disconnect()
			aborted = true
		}
	}); err != nil {
		return err
	}
	if aborted && cause != nil {
		return fmt.Errorf("%w: %w", ErrAborted, cause)
	}
	if aborted {
		return ErrAborted
	}
	return nil
}
