// Package score assigns priority scores to release events.
package score

import (
	"container/list"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/dropwire/dropwire/internal/schema"
)

// brandPopularity is the documented lookup table. Unlisted brands score the
// baseline.
var brandPopularity = map[string]float64{
	"jordan":      0.95,
	"nike":        0.90,
	"adidas":      0.80,
	"yeezy":       0.85,
	"newbalance":  0.70,
	"new balance": 0.70,
	"asics":       0.60,
	"salomon":     0.55,
}

const brandBaseline = 0.30

// restockMemory bounds the LRU of recent restock transitions.
const restockMemory = 512

// Scorer computes priority scores. Observe feeds it restock transitions; the
// score itself is a pure function of the model, the event, the release, and
// the observed restock history.
type Scorer struct {
	model Model

	mu       sync.Mutex
	restocks map[string]*list.Element
	order    *list.List
}

type restockEntry struct {
	releaseID string
	at        time.Time
}

// NewScorer builds a scorer over the given model.
func NewScorer(model Model) *Scorer {
	s := new(Scorer)
	s.model = model
	s.restocks = make(map[string]*list.Element)
	s.order = list.New()
	return s
}

// ModelVersion reports the loaded model version.
func (s *Scorer) ModelVersion() string {
	return s.model.Version
}

// Observe records restock transitions so later scores can weigh restock
// recency. Other events are ignored.
func (s *Scorer) Observe(event schema.ReleaseEvent) {
	if event.StatusTo != schema.StatusRestock {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.restocks[event.ReleaseID]; ok {
		elem.Value = restockEntry{releaseID: event.ReleaseID, at: event.DetectedAt}
		s.order.MoveToFront(elem)
		return
	}
	s.restocks[event.ReleaseID] = s.order.PushFront(restockEntry{releaseID: event.ReleaseID, at: event.DetectedAt})
	for s.order.Len() > restockMemory {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.restocks, oldest.Value.(restockEntry).releaseID)
	}
}

// RestockLikelihood estimates renewed availability from the recency of the
// last observed restock: 1 right after a restock, decaying toward 0 over a
// week.
func (s *Scorer) RestockLikelihood(releaseID string, now time.Time) float64 {
	s.mu.Lock()
	elem, ok := s.restocks[releaseID]
	var at time.Time
	if ok {
		at = elem.Value.(restockEntry).at
	}
	s.mu.Unlock()
	if !ok {
		return 0
	}
	age := now.Sub(at)
	if age < 0 {
		age = 0
	}
	const halfLife = 36 * time.Hour
	return math.Exp2(-float64(age) / float64(halfLife))
}

// Score computes the priority for one event in [0,1].
func (s *Scorer) Score(event schema.ReleaseEvent, release schema.CanonicalRelease) float64 {
	features := s.featureVector(event, release)
	sum := s.model.Bias
	for _, name := range s.model.Features {
		sum += s.model.Weights[name] * features[name]
	}
	return sigmoid(sum)
}

func (s *Scorer) featureVector(event schema.ReleaseEvent, release schema.CanonicalRelease) map[string]float64 {
	return map[string]float64{
		FeatureBrandPopularity: popularity(release.Brand),
		FeatureAggregatorHits:  saturate(float64(event.AggregatorHits), 10),
		FeatureSocialMentions:  saturate(float64(event.SocialMentions), 50),
		FeatureRestockRecency:  s.RestockLikelihood(release.ReleaseID, event.DetectedAt),
		FeatureStatusWeight:    statusWeight(event.StatusTo),
		FeaturePriceVolatility: priceVolatility(event),
	}
}

func popularity(brand string) float64 {
	if v, ok := brandPopularity[strings.ToLower(strings.TrimSpace(brand))]; ok {
		return v
	}
	return brandBaseline
}

// statusWeight ranks transitions by purchase urgency.
func statusWeight(status schema.ReleaseStatus) float64 {
	switch status {
	case schema.StatusLive:
		return 1.0
	case schema.StatusRaffleOpen:
		return 0.9
	case schema.StatusRestock:
		return 0.8
	case schema.StatusUpcoming:
		return 0.3
	default:
		return 0.1
	}
}

// priceVolatility is the relative price move clamped to [0,1].
func priceVolatility(event schema.ReleaseEvent) float64 {
	if event.PriceFrom == nil || event.PriceTo == nil || event.PriceFrom.IsZero() {
		return 0
	}
	move, _ := event.PriceTo.Sub(*event.PriceFrom).Div(*event.PriceFrom).Abs().Float64()
	if move > 1 {
		return 1
	}
	return move
}

// saturate maps an unbounded count into [0,1) with diminishing returns.
func saturate(value, scale float64) float64 {
	if value <= 0 {
		return 0
	}
	return value / (value + scale)
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
