// Package parser turns raw target payloads into RawRelease records.
//
// Parsers are pure: the same payload always yields the same records, zero
// records is a valid result, and no parser performs I/O.
package parser

import (
	"sort"
	"strings"
	"sync"

	"github.com/dropwire/dropwire/errs"
	"github.com/dropwire/dropwire/internal/schema"
)

// Parser extracts raw releases from one fetched payload. The source name is
// stamped onto every record.
type Parser interface {
	Parse(source string, payload []byte) ([]schema.RawRelease, error)
}

// Func adapts a plain function to the Parser interface.
type Func func(source string, payload []byte) ([]schema.RawRelease, error)

// Parse implements Parser.
func (f Func) Parse(source string, payload []byte) ([]schema.RawRelease, error) {
	return f(source, payload)
}

// Registry maps parser keys to extractors. Built-in parsers are registered
// at construction; script parsers are added by LoadScripts.
type Registry struct {
	mu      sync.RWMutex
	parsers map[string]Parser
}

// NewRegistry returns a registry preloaded with the built-in parsers. The
// built-in keys mirror the target kinds they serve.
func NewRegistry() *Registry {
	r := new(Registry)
	r.parsers = map[string]Parser{
		"json-catalog": Func(ParseShopifyCatalog),
		"html-page":    Func(ParseHTMLPage),
		"api-feed":     Func(ParseAPIFeed),
	}
	return r
}

// Register binds a parser under the given key, replacing any previous binding.
func (r *Registry) Register(key string, p Parser) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errs.New("parser", errs.CodeInvalid, errs.WithMessage("parser key must not be empty"))
	}
	if p == nil {
		return errs.New("parser", errs.CodeInvalid, errs.WithMessage("parser must not be nil"))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[key] = p
	return nil
}

// Lookup resolves a parser key.
func (r *Registry) Lookup(key string) (Parser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[key]
	return p, ok
}

// Keys lists the registered parser keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.parsers))
	for k := range r.parsers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate checks that every target's parser key resolves. Run it at startup
// after script parsers are loaded so catalog typos fail fast instead of
// surfacing as per-poll errors.
func (r *Registry) Validate(targets []schema.Target) error {
	for _, target := range targets {
		if _, ok := r.Lookup(target.ParserKey); !ok {
			return errs.New("parser", errs.CodeNotFound,
				errs.WithMessage("catalog references unregistered parser"),
				errs.WithField("target_id", target.TargetID),
				errs.WithField("parser_key", target.ParserKey))
		}
	}
	return nil
}

// Parse runs the parser bound to key over the payload.
func (r *Registry) Parse(key, source string, payload []byte) ([]schema.RawRelease, error) {
	p, ok := r.Lookup(key)
	if !ok {
		return nil, errs.New("parser", errs.CodeNotFound,
			errs.WithMessage("no parser registered"),
			errs.WithField("parser_key", key))
	}
	records, err := p.Parse(source, payload)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].Source == "" {
			records[i].Source = source
		}
	}
	return records, nil
}

func parseError(message string, cause error) error {
	opts := []errs.Option{
		errs.WithMessage(message),
		errs.WithCanonicalCode(errs.CanonicalParseFailure),
	}
	if cause != nil {
		opts = append(opts, errs.WithCause(cause))
	}
	return errs.New("parser", errs.CodeParse, opts...)
}
