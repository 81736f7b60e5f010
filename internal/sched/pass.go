package sched

import "github.com/loomworks/loom/internal/cache"

// Pass is one render pass handed to the host's RenderFunc.
//
// A pass is scratch work until the scheduler commits it: suspensions
// recorded here are registered with the boundary tree only on commit, and
// an interrupted pass registers nothing.
type Pass struct {
	s             *Scheduler
	u             *Update
	boundaryID    string
	interruptible bool
	interrupted   bool
	suspensions   []suspension
}

type suspension struct {
	boundaryID string
	handle     *cache.Handle
}

func (s *Scheduler) newPass(u *Update, boundaryID string, interruptible bool) *Pass {
	return &Pass{
		s:             s,
		u:             u,
		boundaryID:    boundaryID,
		interruptible: interruptible,
	}
}

// Update returns the update driving this pass. For transition updates the
// pass runs before Apply, so the payload describes the proposed state, not
// committed state.
func (p *Pass) Update() *Update { return p.u }

// BoundaryID returns the target boundary for a re-render pass, or empty
// for a whole-tree pass driven by a state update.
func (p *Pass) BoundaryID() string { return p.boundaryID }

// ShouldYield reports whether the pass must be abandoned because urgent
// work arrived. Only interruptible (transition-lane) passes ever yield.
//
// The render layer polls this between work units and returns promptly when
// it reports true. The first true marks the pass interrupted; the
// scheduler discards all of its work and restarts the pass from scratch
// after the urgent updates are processed.
func (p *Pass) ShouldYield() bool {
	if !p.interruptible || p.interrupted {
		return p.interrupted
	}
	if p.s.queue.HasUrgent() {
		p.interrupted = true
	}
	return p.interrupted
}

// Interrupted reports whether the pass was abandoned.
func (p *Pass) Interrupted() bool { return p.interrupted }

// Suspend records that the pass touched a resource with a pending fetch.
// The render layer passes the nearest enclosing boundary of the requesting
// subtree and commits that boundary's fallback in place of final output.
//
// Registration with the boundary tree happens when the scheduler commits
// the pass; an abandoned pass's suspensions are dropped.
func (p *Pass) Suspend(boundaryID string, h *cache.Handle) {
	p.suspensions = append(p.suspensions, suspension{boundaryID: boundaryID, handle: h})
}
