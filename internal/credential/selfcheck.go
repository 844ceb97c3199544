package credential

import (
	"context"
	"log/slog"
	"time"
)

// SelfCheck is the background probe loop (§4.9/§5): it ticks expiry
// and liveness checks independently of request traffic, so a dying
// credential gets refreshed or quarantined before a caller ever hits
// it. It holds a reference to Manager (which itself holds the
// PipelineManager reference) — never the other direction.
type SelfCheck struct {
	mgr      *Manager
	interval time.Duration
	refs     []string
}

// NewSelfCheck builds a SelfCheck over refs, polling at interval.
func NewSelfCheck(mgr *Manager, interval time.Duration, refs []string) *SelfCheck {
	return &SelfCheck{mgr: mgr, interval: interval, refs: refs}
}

// Run ticks until ctx is cancelled, checking every tracked ref on each
// tick: a ref within its expiry buffer triggers RefreshAuth; a ref
// already invalid gets re-probed so it can recover once the operator
// fixes it (§4.9: "invalid -> valid after operator action").
func (sc *SelfCheck) Run(ctx context.Context) {
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sc.tick(ctx)
		}
	}
}

func (sc *SelfCheck) tick(ctx context.Context) {
	for _, ref := range sc.refs {
		c, ok := sc.mgr.Get(ref)
		if !ok {
			continue
		}

		switch c.State() {
		case StateInvalid:
			if sc.mgr.ValidateWithAPI(ctx, ref) {
				slog.Info("credential recovered", "component", component, "ref", ref)
				sc.mgr.Resolve(ref)
			}
		case StateValid:
			if sc.mgr.CheckExpiry(ref) {
				sc.mgr.RefreshAuth(ref)
			}
		case StateRefreshing:
			// an async refresh is already in flight; nothing to do.
		}
	}
}
