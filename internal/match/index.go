// Package match resolves which subscriptions care about a release event.
package match

import (
	"sort"
	"strings"
	"sync"

	"github.com/dropwire/dropwire/internal/schema"
)

// Match identifies one subscription that accepted an event.
type Match struct {
	UserID         string
	SubscriptionID string
}

// Index holds subscriptions behind inverted indexes keyed by brand and SKU.
// Subscriptions carrying neither filter live in a full-scan lane, which stays
// small in practice because broad subscriptions are rare.
type Index struct {
	mu       sync.RWMutex
	all      map[string]schema.UserSubscription
	byBrand  map[string]map[string]struct{}
	bySKU    map[string]map[string]struct{}
	fullScan map[string]struct{}
}

// NewIndex returns an empty subscription index.
func NewIndex() *Index {
	idx := new(Index)
	idx.all = make(map[string]schema.UserSubscription)
	idx.byBrand = make(map[string]map[string]struct{})
	idx.bySKU = make(map[string]map[string]struct{})
	idx.fullScan = make(map[string]struct{})
	return idx
}

// Load replaces the index contents with the given subscription set.
func (idx *Index) Load(subs []schema.UserSubscription) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.all = make(map[string]schema.UserSubscription, len(subs))
	idx.byBrand = make(map[string]map[string]struct{})
	idx.bySKU = make(map[string]map[string]struct{})
	idx.fullScan = make(map[string]struct{})
	for _, sub := range subs {
		idx.insert(sub)
	}
}

// Upsert adds or replaces one subscription.
func (idx *Index) Upsert(sub schema.UserSubscription) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.remove(sub.SubscriptionID)
	idx.insert(sub)
}

// Remove drops a subscription from the index.
func (idx *Index) Remove(subscriptionID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.remove(subscriptionID)
}

// Len reports the number of indexed subscriptions.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.all)
}

// Get returns an indexed subscription by id.
func (idx *Index) Get(subscriptionID string) (schema.UserSubscription, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	sub, ok := idx.all[subscriptionID]
	return sub, ok
}

func (idx *Index) insert(sub schema.UserSubscription) {
	idx.all[sub.SubscriptionID] = sub
	indexed := false
	for brand := range sub.BrandFilter {
		bucket := idx.byBrand[brand]
		if bucket == nil {
			bucket = make(map[string]struct{})
			idx.byBrand[brand] = bucket
		}
		bucket[sub.SubscriptionID] = struct{}{}
		indexed = true
	}
	for sku := range sub.SKUFilter {
		bucket := idx.bySKU[sku]
		if bucket == nil {
			bucket = make(map[string]struct{})
			idx.bySKU[sku] = bucket
		}
		bucket[sub.SubscriptionID] = struct{}{}
		indexed = true
	}
	if !indexed {
		idx.fullScan[sub.SubscriptionID] = struct{}{}
	}
}

func (idx *Index) remove(subscriptionID string) {
	sub, ok := idx.all[subscriptionID]
	if !ok {
		return
	}
	delete(idx.all, subscriptionID)
	for brand := range sub.BrandFilter {
		if bucket := idx.byBrand[brand]; bucket != nil {
			delete(bucket, subscriptionID)
			if len(bucket) == 0 {
				delete(idx.byBrand, brand)
			}
		}
	}
	for sku := range sub.SKUFilter {
		if bucket := idx.bySKU[sku]; bucket != nil {
			delete(bucket, subscriptionID)
			if len(bucket) == 0 {
				delete(idx.bySKU, sku)
			}
		}
	}
	delete(idx.fullScan, subscriptionID)
}

// Match returns the subscriptions accepting the given release, ordered by
// subscription id for deterministic fanout.
func (idx *Index) Match(release schema.CanonicalRelease) []Match {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	candidates := make(map[string]struct{}, 8)
	if brand := strings.ToLower(strings.TrimSpace(release.Brand)); brand != "" {
		for id := range idx.byBrand[brand] {
			candidates[id] = struct{}{}
		}
	}
	if sku := schema.NormalizeSKU(release.SKU); sku != "" {
		for id := range idx.bySKU[sku] {
			candidates[id] = struct{}{}
		}
	}
	for id := range idx.fullScan {
		candidates[id] = struct{}{}
	}

	matches := make([]Match, 0, len(candidates))
	for id := range candidates {
		sub := idx.all[id]
		if accepts(sub, release) {
			matches = append(matches, Match{UserID: sub.UserID, SubscriptionID: sub.SubscriptionID})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].SubscriptionID < matches[j].SubscriptionID })
	return matches
}

// accepts applies the AND-combined filter semantics of one subscription.
func accepts(sub schema.UserSubscription, release schema.CanonicalRelease) bool {
	if len(sub.BrandFilter) > 0 {
		brand := strings.ToLower(strings.TrimSpace(release.Brand))
		if brand == "" {
			return false
		}
		if _, ok := sub.BrandFilter[brand]; !ok {
			return false
		}
	}
	if len(sub.SKUFilter) > 0 {
		sku := schema.NormalizeSKU(release.SKU)
		if sku == "" {
			return false
		}
		if _, ok := sub.SKUFilter[sku]; !ok {
			return false
		}
	}
	if len(sub.RegionFilter) > 0 {
		// A release with no region never matches a region-filtered
		// subscription.
		region := strings.ToLower(strings.TrimSpace(release.Region))
		if region == "" {
			return false
		}
		if _, ok := sub.RegionFilter[region]; !ok {
			return false
		}
	}
	if len(sub.SizeFilter) > 0 {
		if !anySizeAvailable(sub.SizeFilter, release.Stock) {
			return false
		}
	}
	return true
}

// anySizeAvailable reports whether at least one filtered size has available
// inventory.
func anySizeAvailable(filter map[string]struct{}, stock map[string]schema.SizeCount) bool {
	if len(stock) == 0 {
		return false
	}
	for label, count := range stock {
		if count.Available <= 0 {
			continue
		}
		if _, ok := filter[strings.ToLower(strings.TrimSpace(label))]; ok {
			return true
		}
	}
	return false
}
