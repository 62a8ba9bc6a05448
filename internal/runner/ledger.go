package runner

import (
	"time"

	"github.com/p-arndt/slugrunner/internal/store"
)

// setState moves the run to next and reports it. Re-entering the current
// state only records pid. Ledger failures are logged, never fatal.
func (r *Runner) setState(next State, pid int) {
	if next != r.state {
		if !canTransition(r.state, next) {
			r.logger.Warn("unexpected state transition", "from", r.state, "to", next)
		}
		r.logger.Debug("state changed", "from", r.state, "to", next)
		r.state = next
		r.observer.StateChanged(next.String())
	}

	if r.ledger == nil || next == StateStopped {
		return
	}
	if err := r.ledger.UpdateRunState(r.runID, next.String(), pid); err != nil {
		r.logger.Warn("ledger update failed", "error", err)
	}
}

func (r *Runner) recordStart(started time.Time) {
	if r.ledger == nil {
		return
	}
	err := r.ledger.CreateRun(&store.Run{
		ID:        r.runID,
		Slug:      r.cfg.Slug,
		Worker:    r.cfg.Worker,
		Hostname:  r.cfg.Hostname(),
		State:     r.state.String(),
		StartedAt: started,
	})
	if err != nil {
		r.logger.Warn("ledger create failed", "error", err)
	}
}

func (r *Runner) recordFinish(code int, runErr error) {
	if r.ledger == nil {
		return
	}
	var msg string
	if runErr != nil {
		msg = runErr.Error()
	}
	if err := r.ledger.FinishRun(r.runID, StateStopped.String(), code, r.childExit, msg); err != nil {
		r.logger.Warn("ledger finish failed", "error", err)
	}
}
