// Athlete Ally - Personalized Fitness Coaching Platform
// Copyright 2026 Athlete Ally contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/athlete-ally/athlete-ally

// Package contracts validates event payloads against versioned topic
// contracts before they are published or normalized.
//
// A contract is a typed Go struct with validator/v10 rules. Compiled
// contracts are cached in an LRU with TTL so hot topics skip the build
// step; cache traffic is exported as Prometheus counters.
package contracts

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/athlete-ally/athlete-ally/internal/cache"
	"github.com/athlete-ally/athlete-ally/internal/events"
	"github.com/athlete-ally/athlete-ally/internal/metrics"
)

// Result is the outcome of validating one payload. Invalid payloads are
// reported through Valid/Errors, never as a Go error.
type Result struct {
	Valid  bool
	Errors []string
}

// Contract validates payloads for one topic at one version.
type Contract struct {
	Topic   string
	Version int
	check   func(v *validator.Validate, payload []byte) []string
}

// Options configures the registry cache.
type Options struct {
	CacheSize int
	CacheTTL  time.Duration
}

// Registry resolves topics to contracts and validates payloads.
// Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]func() *Contract
	versions map[string]int

	validate *validator.Validate
	cache    *cache.LRUCache[*Contract]
}

// NewRegistry creates a registry with the built-in HRV and sleep
// contracts registered at their current versions.
func NewRegistry(opts Options) *Registry {
	c := cache.New[*Contract](opts.CacheSize, opts.CacheTTL)
	c.OnEvict(func(string) { metrics.RecordSchemaCacheEviction() })

	r := &Registry{
		builders: make(map[string]func() *Contract),
		versions: make(map[string]int),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		cache:    c,
	}

	r.validate.RegisterValidation("isodate", validISODate) //nolint:errcheck

	r.Register(events.RawReceivedSubject(events.DomainHRV), 1, hrvContract)
	r.Register(events.RawReceivedSubject(events.DomainSleep), 1, sleepContract)

	return r
}

// Register adds or replaces the contract for a topic. Bumping the
// version invalidates cached compilations by changing the cache key.
func (r *Registry) Register(topic string, version int, builder func(version int) *Contract) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[topic] = func() *Contract { return builder(version) }
	r.versions[topic] = version
}

// Validate checks payload against the contract for topic.
// Returns an error only for unknown topics; invalid payloads come back
// as Result{Valid: false}.
func (r *Registry) Validate(topic string, payload []byte) (*Result, error) {
	contract, err := r.resolve(topic)
	if err != nil {
		return nil, err
	}

	errs := contract.check(r.validate, payload)
	if len(errs) > 0 {
		metrics.RecordSchemaValidationFailure(topic)
		return &Result{Valid: false, Errors: errs}, nil
	}
	return &Result{Valid: true}, nil
}

// HasTopic reports whether a contract is registered for topic.
func (r *Registry) HasTopic(topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[topic]
	return ok
}

func (r *Registry) resolve(topic string) (*Contract, error) {
	r.mu.RLock()
	builder, ok := r.builders[topic]
	version := r.versions[topic]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no contract registered for topic %q", topic)
	}

	key := fmt.Sprintf("%s@%d", topic, version)
	if contract, found := r.cache.Get(key); found {
		metrics.RecordSchemaCacheHit()
		return contract, nil
	}

	metrics.RecordSchemaCacheMiss()
	contract := builder()
	r.cache.Add(key, contract)
	return contract, nil
}

// hrvContract validates HRV raw-received payloads. Either the canonical
// rMSSD or the legacy rmssd field must be present and positive.
func hrvContract(version int) *Contract {
	type hrvRules struct {
		UserID      string   `json:"userId" validate:"required,max=128"`
		Date        string   `json:"date" validate:"required,isodate"`
		RMSSD       *float64 `json:"rMSSD" validate:"omitempty,gt=0,lte=500"`
		LegacyRMSSD *float64 `json:"rmssd" validate:"omitempty,gt=0,lte=500"`
		LnRMSSD     *float64 `json:"lnRmssd" validate:"omitempty,gt=0,lte=10"`
	}

	return &Contract{
		Topic:   events.RawReceivedSubject(events.DomainHRV),
		Version: version,
		check: func(v *validator.Validate, payload []byte) []string {
			var body hrvRules
			if err := json.Unmarshal(payload, &body); err != nil {
				return []string{"payload is not valid JSON: " + err.Error()}
			}

			errs := structErrors(v, &body)
			if body.RMSSD == nil && body.LegacyRMSSD == nil {
				errs = append(errs, "one of rMSSD or rmssd is required")
			}
			return errs
		},
	}
}

// sleepContract validates sleep raw-received payloads.
func sleepContract(version int) *Contract {
	type sleepRules struct {
		UserID          string   `json:"userId" validate:"required,max=128"`
		Date            string   `json:"date" validate:"required,isodate"`
		DurationMinutes *int     `json:"durationMinutes" validate:"required,gt=0,lte=1440"`
		QualityScore    *float64 `json:"qualityScore" validate:"omitempty,gte=0,lte=100"`
	}

	return &Contract{
		Topic:   events.RawReceivedSubject(events.DomainSleep),
		Version: version,
		check: func(v *validator.Validate, payload []byte) []string {
			var body sleepRules
			if err := json.Unmarshal(payload, &body); err != nil {
				return []string{"payload is not valid JSON: " + err.Error()}
			}
			return structErrors(v, &body)
		},
	}
}

// structErrors flattens validator errors into human-readable strings.
func structErrors(v *validator.Validate, s any) []string {
	err := v.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}

	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, fmt.Sprintf("field %s failed rule %s", fe.Field(), fe.Tag()))
	}
	return out
}

// validISODate accepts YYYY-MM-DD calendar dates.
func validISODate(fl validator.FieldLevel) bool {
	_, err := time.Parse("2006-01-02", fl.Field().String())
	return err == nil
}
