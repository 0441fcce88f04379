package fanout

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"

	"github.com/dropwire/dropwire/internal/observability"
	"github.com/dropwire/dropwire/internal/schema"
)

// rateBucketRetention is how many hour buckets stay resident before the
// sweeper drops them.
const rateBucketRetention = 48

type rateKey struct {
	UserID string
	Bucket int64
}

// RateCounter tracks successful deliveries per user and hour bucket. The
// fanout queue reads it before creating tasks; delivery workers increment it
// only after a successful send.
type RateCounter struct {
	counts *xsync.Map[rateKey, *atomic.Int64]
	cron   *cron.Cron
	entry  cron.EntryID
}

// NewRateCounter returns an empty counter.
func NewRateCounter() *RateCounter {
	c := new(RateCounter)
	c.counts = xsync.NewMap[rateKey, *atomic.Int64]()
	return c
}

// Count returns the delivered-event count for a user in the given bucket.
func (c *RateCounter) Count(userID string, bucket int64) int {
	counter, ok := c.counts.Load(rateKey{UserID: userID, Bucket: bucket})
	if !ok {
		return 0
	}
	return int(counter.Load())
}

// Increment bumps the count for a user in the given bucket.
func (c *RateCounter) Increment(userID string, bucket int64) int {
	counter, _ := c.counts.LoadOrCompute(rateKey{UserID: userID, Bucket: bucket}, func() (*atomic.Int64, bool) {
		return new(atomic.Int64), false
	})
	return int(counter.Add(1))
}

// Seed restores counts, typically from the storage gateway after a restart.
func (c *RateCounter) Seed(userID string, bucket int64, count int) {
	counter, _ := c.counts.LoadOrCompute(rateKey{UserID: userID, Bucket: bucket}, func() (*atomic.Int64, bool) {
		return new(atomic.Int64), false
	})
	counter.Store(int64(count))
}

// StartSweeper schedules an hourly purge of buckets older than the retention
// window.
func (c *RateCounter) StartSweeper(nowBucket func() int64) {
	c.cron = cron.New()
	c.entry, _ = c.cron.AddFunc("@hourly", func() {
		c.sweep(nowBucket())
	})
	c.cron.Start()
}

// StopSweeper halts the purge schedule.
func (c *RateCounter) StopSweeper() {
	if c.cron != nil {
		c.cron.Stop()
	}
}

func (c *RateCounter) sweep(currentBucket int64) {
	dropped := 0
	c.counts.Range(func(key rateKey, _ *atomic.Int64) bool {
		if currentBucket-key.Bucket > rateBucketRetention {
			c.counts.Delete(key)
			dropped++
		}
		return true
	})
	if dropped > 0 {
		observability.Log().Debug("rate buckets swept", observability.F("dropped", dropped))
	}
}

// CurrentBucket is the default bucket source for the sweeper.
func CurrentBucket() int64 {
	return schema.HourBucket(nowUTC())
}
