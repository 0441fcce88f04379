package score

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dropwire/dropwire/errs"
)

// Feature names in their canonical vector order.
const (
	FeatureBrandPopularity = "brand_popularity"
	FeatureAggregatorHits  = "aggregator_hits"
	FeatureSocialMentions  = "social_mentions"
	FeatureRestockRecency  = "restock_recency"
	FeatureStatusWeight    = "status_weight"
	FeaturePriceVolatility = "price_volatility"
)

// Model is a versioned weight vector. Scores are reproducible for a given
// model version.
type Model struct {
	Version  string             `yaml:"version" json:"version"`
	Bias     float64            `yaml:"bias" json:"bias"`
	Features []string           `yaml:"features" json:"features"`
	Weights  map[string]float64 `yaml:"weights" json:"weights"`
}

// DefaultModel is the documented fallback used when no model file is
// configured. The weights favour purchasable states and externally observed
// demand.
func DefaultModel() Model {
	return Model{
		Version: "default-v1",
		Bias:    -1.0,
		Features: []string{
			FeatureBrandPopularity,
			FeatureAggregatorHits,
			FeatureSocialMentions,
			FeatureRestockRecency,
			FeatureStatusWeight,
			FeaturePriceVolatility,
		},
		Weights: map[string]float64{
			FeatureBrandPopularity: 1.2,
			FeatureAggregatorHits:  0.8,
			FeatureSocialMentions:  0.6,
			FeatureRestockRecency:  0.7,
			FeatureStatusWeight:    2.0,
			FeaturePriceVolatility: 0.5,
		},
	}
}

// LoadModel reads a model record from a YAML file.
func LoadModel(path string) (Model, error) {
	// #nosec G304 -- path comes from operator configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return Model{}, errs.New("score", errs.CodeUnavailable,
			errs.WithMessage("read model file"),
			errs.WithField("path", path),
			errs.WithCause(err))
	}
	var model Model
	if err := yaml.Unmarshal(data, &model); err != nil {
		return Model{}, errs.New("score", errs.CodeInvalid,
			errs.WithMessage("parse model file"),
			errs.WithField("path", path),
			errs.WithCause(err))
	}
	if err := model.Validate(); err != nil {
		return Model{}, err
	}
	return model, nil
}

// Validate checks the model for structural mistakes.
func (m Model) Validate() error {
	if m.Version == "" {
		return errs.New("score", errs.CodeInvalid, errs.WithMessage("model version required"))
	}
	if len(m.Features) == 0 {
		return errs.New("score", errs.CodeInvalid, errs.WithMessage("model features required"))
	}
	for _, feature := range m.Features {
		if _, ok := m.Weights[feature]; !ok {
			return errs.New("score", errs.CodeInvalid,
				errs.WithMessage("feature has no weight"),
				errs.WithField("feature", feature))
		}
	}
	return nil
}
