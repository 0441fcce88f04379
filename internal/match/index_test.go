package match

import (
	"testing"

	"github.com/dropwire/dropwire/internal/schema"
)

func release(brand, sku, region string, stock map[string]schema.SizeCount) schema.CanonicalRelease {
	return schema.CanonicalRelease{
		ReleaseID: "rel-1",
		Brand:     brand,
		SKU:       sku,
		Region:    region,
		Name:      "Test Release",
		Status:    schema.StatusLive,
		Source:    "kicks.example.com",
		Stock:     stock,
	}
}

func sub(id, user string, mutate func(*schema.UserSubscription)) schema.UserSubscription {
	s := schema.UserSubscription{
		SubscriptionID: id,
		UserID:         user,
		Channels:       []schema.Channel{{Kind: schema.ChannelEmail, Address: user + "@example.com"}},
	}
	if mutate != nil {
		mutate(&s)
	}
	return s
}

func TestBrandFilterMatches(t *testing.T) {
	idx := NewIndex()
	idx.Load([]schema.UserSubscription{
		sub("sub-nike", "u1", func(s *schema.UserSubscription) { s.BrandFilter = schema.NewFilter("Nike") }),
		sub("sub-adidas", "u2", func(s *schema.UserSubscription) { s.BrandFilter = schema.NewFilter("Adidas") }),
	})

	matches := idx.Match(release("nike", "DQ1234-100", "US", nil))
	if len(matches) != 1 || matches[0].SubscriptionID != "sub-nike" {
		t.Fatalf("expected only the nike subscription, got %+v", matches)
	}
}

func TestEmptyFiltersMatchAll(t *testing.T) {
	idx := NewIndex()
	idx.Load([]schema.UserSubscription{sub("sub-all", "u1", nil)})

	matches := idx.Match(release("newbalance", "", "", nil))
	if len(matches) != 1 {
		t.Fatalf("filterless subscription must match everything, got %+v", matches)
	}
}

func TestFiltersAreANDCombined(t *testing.T) {
	idx := NewIndex()
	idx.Load([]schema.UserSubscription{
		sub("sub-1", "u1", func(s *schema.UserSubscription) {
			s.BrandFilter = schema.NewFilter("nike")
			s.RegionFilter = schema.NewFilter("EU")
		}),
	})

	if got := idx.Match(release("nike", "", "US", nil)); len(got) != 0 {
		t.Fatalf("brand hit with region miss must not match, got %+v", got)
	}
	if got := idx.Match(release("nike", "", "EU", nil)); len(got) != 1 {
		t.Fatalf("both filters satisfied must match, got %+v", got)
	}
}

func TestNullRegionNeverMatchesRegionFilter(t *testing.T) {
	idx := NewIndex()
	idx.Load([]schema.UserSubscription{
		sub("sub-region", "u1", func(s *schema.UserSubscription) { s.RegionFilter = schema.NewFilter("US") }),
		sub("sub-open", "u2", nil),
	})

	matches := idx.Match(release("nike", "", "", nil))
	if len(matches) != 1 || matches[0].SubscriptionID != "sub-open" {
		t.Fatalf("release without region must only match the unfiltered subscription, got %+v", matches)
	}
}

func TestSizeFilterRequiresAvailability(t *testing.T) {
	idx := NewIndex()
	idx.Load([]schema.UserSubscription{
		sub("sub-size", "u1", func(s *schema.UserSubscription) { s.SizeFilter = schema.NewFilter("US 9") }),
	})

	soldOut := map[string]schema.SizeCount{"US 9": {Total: 4, Available: 0}}
	if got := idx.Match(release("nike", "", "", soldOut)); len(got) != 0 {
		t.Fatalf("size with zero availability must not match, got %+v", got)
	}

	inStock := map[string]schema.SizeCount{"US 9": {Total: 4, Available: 2}}
	if got := idx.Match(release("nike", "", "", inStock)); len(got) != 1 {
		t.Fatalf("available size must match, got %+v", got)
	}

	if got := idx.Match(release("nike", "", "", nil)); len(got) != 0 {
		t.Fatalf("missing stock summary must not match a size filter, got %+v", got)
	}
}

func TestSKUFilterUsesNormalizedSKU(t *testing.T) {
	idx := NewIndex()
	idx.Load([]schema.UserSubscription{
		sub("sub-sku", "u1", func(s *schema.UserSubscription) { s.SKUFilter = schema.NewSKUFilter("dq 1234-100") }),
	})

	matches := idx.Match(release("", "DQ1234-100", "", nil))
	if len(matches) != 1 {
		t.Fatalf("sku formatting differences must not break matching, got %+v", matches)
	}
}

func TestInvertedIndexSkipsNonCandidates(t *testing.T) {
	idx := NewIndex()
	subs := make([]schema.UserSubscription, 0, 1001)
	for i := 0; i < 1000; i++ {
		id := "sub-" + string(rune('a'+i%26)) + "-" + string(rune('0'+i%10))
		subs = append(subs, sub(id+"-"+string(rune('A'+i%26)), "user", func(s *schema.UserSubscription) {
			s.BrandFilter = schema.NewFilter("asics")
		}))
	}
	subs = append(subs, sub("sub-target", "u1", func(s *schema.UserSubscription) {
		s.BrandFilter = schema.NewFilter("nike")
	}))
	idx.Load(subs)

	matches := idx.Match(release("nike", "", "", nil))
	if len(matches) != 1 || matches[0].SubscriptionID != "sub-target" {
		t.Fatalf("expected exactly the nike subscription, got %d matches", len(matches))
	}
}

func TestUpsertAndRemove(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(sub("sub-1", "u1", func(s *schema.UserSubscription) { s.BrandFilter = schema.NewFilter("nike") }))
	if idx.Len() != 1 {
		t.Fatal("expected one subscription")
	}

	// Re-upsert with a different filter must re-index, not duplicate.
	idx.Upsert(sub("sub-1", "u1", func(s *schema.UserSubscription) { s.BrandFilter = schema.NewFilter("adidas") }))
	if got := idx.Match(release("nike", "", "", nil)); len(got) != 0 {
		t.Fatalf("stale brand index entry survived upsert: %+v", got)
	}
	if got := idx.Match(release("adidas", "", "", nil)); len(got) != 1 {
		t.Fatalf("expected the re-indexed subscription, got %+v", got)
	}

	idx.Remove("sub-1")
	if idx.Len() != 0 {
		t.Fatal("expected an empty index after removal")
	}
	if got := idx.Match(release("adidas", "", "", nil)); len(got) != 0 {
		t.Fatalf("removed subscription still matches: %+v", got)
	}
}

func TestMatchOrderIsDeterministic(t *testing.T) {
	idx := NewIndex()
	idx.Load([]schema.UserSubscription{
		sub("sub-c", "u3", nil),
		sub("sub-a", "u1", nil),
		sub("sub-b", "u2", nil),
	})
	matches := idx.Match(release("nike", "", "", nil))
	if len(matches) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(matches))
	}
	for i, want := range []string{"sub-a", "sub-b", "sub-c"} {
		if matches[i].SubscriptionID != want {
			t.Fatalf("expected %s at position %d, got %s", want, i, matches[i].SubscriptionID)
		}
	}
}
