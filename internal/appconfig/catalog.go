// Package appconfig loads the YAML target catalog: pollable targets, proxy
// pools, and the scorer model location. The catalog is configuration; edits
// take effect at the next scheduler tick after a reload.
package appconfig

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dropwire/dropwire/internal/schema"
)

// ProxyPool names a set of egress proxies shared by its targets.
type ProxyPool struct {
	PoolID  string   `yaml:"poolId"`
	Proxies []string `yaml:"proxies"`
}

// Catalog is the full parsed catalog file.
type Catalog struct {
	Targets    []schema.Target
	ProxyPools map[string][]string
	// ScorerModelPath points at the versioned scorer model; empty selects
	// the built-in default model.
	ScorerModelPath string
	// ScriptDir holds goja extractor modules registered as script: parsers.
	ScriptDir string
}

type targetYAML struct {
	TargetID               string  `yaml:"targetId"`
	Source                 string  `yaml:"source"`
	Kind                   string  `yaml:"kind"`
	URLTemplate            string  `yaml:"urlTemplate"`
	ParserKey              string  `yaml:"parserKey"`
	ExpectedCadenceSeconds int     `yaml:"expectedCadenceSeconds"`
	ProxyPoolID            string  `yaml:"proxyPoolId"`
	Priority               float64 `yaml:"priority"`
}

type catalogYAML struct {
	Targets    []targetYAML `yaml:"targets"`
	ProxyPools []ProxyPool  `yaml:"proxyPools"`
	ScorerModel string      `yaml:"scorerModel"`
	ScriptDir   string      `yaml:"scriptDir"`
}

// Load reads and validates the catalog at path.
func Load(path string) (Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("open catalog: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	return LoadFromReader(f)
}

// LoadFromReader parses and validates a catalog document.
func LoadFromReader(reader io.Reader) (Catalog, error) {
	bytes, err := io.ReadAll(reader)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}

	var raw catalogYAML
	if err := yaml.Unmarshal(bytes, &raw); err != nil {
		return Catalog{}, fmt.Errorf("unmarshal catalog: %w", err)
	}

	catalog := Catalog{
		ScorerModelPath: strings.TrimSpace(raw.ScorerModel),
		ScriptDir:       strings.TrimSpace(raw.ScriptDir),
	}
	if len(raw.ProxyPools) > 0 {
		catalog.ProxyPools = make(map[string][]string, len(raw.ProxyPools))
		for _, pool := range raw.ProxyPools {
			id := strings.TrimSpace(pool.PoolID)
			if id == "" {
				return Catalog{}, fmt.Errorf("catalog: proxy pool without poolId")
			}
			if _, dup := catalog.ProxyPools[id]; dup {
				return Catalog{}, fmt.Errorf("catalog: duplicate proxy pool %q", id)
			}
			catalog.ProxyPools[id] = pool.Proxies
		}
	}

	seen := make(map[string]struct{}, len(raw.Targets))
	catalog.Targets = make([]schema.Target, 0, len(raw.Targets))
	for i, t := range raw.Targets {
		target := schema.Target{
			TargetID:        strings.TrimSpace(t.TargetID),
			Source:          strings.TrimSpace(t.Source),
			Kind:            schema.TargetKind(strings.TrimSpace(t.Kind)),
			URLTemplate:     strings.TrimSpace(t.URLTemplate),
			ParserKey:       strings.TrimSpace(t.ParserKey),
			ExpectedCadence: time.Duration(t.ExpectedCadenceSeconds) * time.Second,
			ProxyPoolID:     strings.TrimSpace(t.ProxyPoolID),
			Priority:        t.Priority,
		}
		if err := target.Validate(); err != nil {
			return Catalog{}, fmt.Errorf("catalog: target %d: %w", i, err)
		}
		// A zero cadence means the scheduler's configured default applies.
		if t.ExpectedCadenceSeconds < 0 {
			return Catalog{}, fmt.Errorf("catalog: target %q: expectedCadenceSeconds must not be negative", target.TargetID)
		}
		if _, dup := seen[target.TargetID]; dup {
			return Catalog{}, fmt.Errorf("catalog: duplicate target %q", target.TargetID)
		}
		if target.ProxyPoolID != "" {
			if _, ok := catalog.ProxyPools[target.ProxyPoolID]; !ok {
				return Catalog{}, fmt.Errorf("catalog: target %q references unknown proxy pool %q", target.TargetID, target.ProxyPoolID)
			}
		}
		seen[target.TargetID] = struct{}{}
		catalog.Targets = append(catalog.Targets, target)
	}

	return catalog, nil
}

// Proxies resolves the proxy list for a target; targets without a pool get
// no proxies and fetch directly.
func (c Catalog) Proxies(target schema.Target) []string {
	if target.ProxyPoolID == "" {
		return nil
	}
	return c.ProxyPools[target.ProxyPoolID]
}
