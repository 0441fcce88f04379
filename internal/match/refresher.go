package match

import (
	"context"
	"time"

	"github.com/dropwire/dropwire/internal/observability"
	"github.com/dropwire/dropwire/internal/schema"
)

// Lister is the subscription source the refresher polls.
type Lister interface {
	ListSubscriptions(ctx context.Context) ([]schema.UserSubscription, error)
}

// Refresher reloads the index from storage on a fixed interval so
// subscriptions written after boot start matching without a restart.
type Refresher struct {
	store Lister
	index *Index
	every time.Duration
}

// NewRefresher builds a refresher polling the store at the given interval.
func NewRefresher(store Lister, index *Index, every time.Duration) *Refresher {
	if every <= 0 {
		every = time.Minute
	}
	r := new(Refresher)
	r.store = store
	r.index = index
	r.every = every
	return r
}

// Run polls until the context ends. The boot-time load has already happened
// by the time Run starts, so the first reload waits a full interval.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

// refresh swaps in the current subscription set. A failed list keeps the
// previous index contents so matching degrades to stale rather than empty.
func (r *Refresher) refresh(ctx context.Context) {
	subs, err := r.store.ListSubscriptions(ctx)
	if err != nil {
		observability.Log().Warn("subscription reload failed", observability.F("error", err.Error()))
		return
	}
	r.index.Load(subs)
	observability.Telemetry().SetGauge("dropwire_subscriptions_indexed", float64(r.index.Len()), nil)
}
