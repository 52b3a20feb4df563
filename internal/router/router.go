// Package router classifies incoming messages and selects a
// response-generation strategy.
//
// Routing is a pure function of (message, user state): no hidden counters, no
// network calls. The same inputs always produce the same RoutingDecision.
package router

import (
	"fmt"
	"strings"

	"github.com/coachrelay/coachrelay/internal/cache"
	"github.com/coachrelay/coachrelay/internal/models"
)

// Policy controls the priority between the relationship window and the
// pattern cache. The source policy is ambiguous on this ordering, so it is
// configurable rather than hard-wired.
type Policy string

const (
	// PolicyMemoryFirst gives new users full conversational memory even when
	// the message would hit the pattern cache.
	PolicyMemoryFirst Policy = "memory_first"
	// PolicyCacheFirst serves a cache hit before considering the
	// relationship window.
	PolicyCacheFirst Policy = "cache_first"
)

// Routing defaults
const (
	// DefaultRelationshipWindow is the number of initial turns that always get
	// the stateful path.
	DefaultRelationshipWindow = 3
)

// defaultComplexMarkers flag messages that warrant full conversational
// memory, regardless of user tenure. Substring match on the normalized text.
var defaultComplexMarkers = []string{
	"analyze", "pattern", "trend", "why do i", "help me understand",
	"goal", "objective", "strategy", "plan",
	"struggle", "stuck", "overwhelm", "confused", "lost",
	"motivation", "purpose", "why am i",
	"breakthrough", "insight", "realize",
	"procrastinat", "avoidance", "resistance",
}

// Opts holds router configuration.
type Opts struct {
	Policy             Policy
	RelationshipWindow int
	ComplexMarkers     []string
	CheapModel         string
	PremiumModel       string
}

// Option configures the router.
type Option func(*Opts)

// WithPolicy sets the priority between relationship window and cache.
func WithPolicy(p Policy) Option {
	return func(o *Opts) { o.Policy = p }
}

// WithRelationshipWindow overrides the relationship-building turn window.
func WithRelationshipWindow(turns int) Option {
	return func(o *Opts) { o.RelationshipWindow = turns }
}

// WithComplexMarkers replaces the complex-topic marker set.
func WithComplexMarkers(markers []string) Option {
	return func(o *Opts) { o.ComplexMarkers = markers }
}

// WithModels sets the cheap and premium model identifiers.
func WithModels(cheap, premium string) Option {
	return func(o *Opts) {
		o.CheapModel = cheap
		o.PremiumModel = premium
	}
}

// Router decides the response-generation strategy for each message.
type Router struct {
	patterns *cache.Library
	cfg      Opts
}

// New creates a router over the given pattern library.
func New(patterns *cache.Library, opts ...Option) *Router {
	cfg := Opts{
		Policy:             PolicyMemoryFirst,
		RelationshipWindow: DefaultRelationshipWindow,
		ComplexMarkers:     defaultComplexMarkers,
		CheapModel:         "gpt-4o-mini",
		PremiumModel:       "gpt-4o",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Router{patterns: patterns, cfg: cfg}
}

// Route returns the routing decision for a message and user state.
func (r *Router) Route(message string, state models.UserState) models.RoutingDecision {
	cacheKey, cacheHit := r.patterns.Lookup(message)
	inWindow := state.TurnCount < r.cfg.RelationshipWindow
	complex := r.hasComplexMarker(message)

	switch r.cfg.Policy {
	case PolicyCacheFirst:
		if cacheHit {
			return r.cacheDecision(cacheKey)
		}
		if inWindow || complex {
			return r.statefulDecision(inWindow, complex)
		}
	default: // PolicyMemoryFirst
		if inWindow || complex {
			return r.statefulDecision(inWindow, complex)
		}
		if cacheHit {
			return r.cacheDecision(cacheKey)
		}
	}

	return models.RoutingDecision{
		Strategy: models.StrategySingleTurn,
		Model:    r.cfg.CheapModel,
		Tier:     models.TierCheap,
		Reason:   "routine traffic, single-turn completion",
	}
}

func (r *Router) cacheDecision(cacheKey string) models.RoutingDecision {
	return models.RoutingDecision{
		Strategy: models.StrategyCacheHit,
		Tier:     models.TierCheap,
		CacheKey: cacheKey,
		Reason:   fmt.Sprintf("pattern cache hit (%s)", cacheKey),
	}
}

func (r *Router) statefulDecision(inWindow, complex bool) models.RoutingDecision {
	reason := "complex topic marker present"
	if inWindow {
		reason = "relationship-building window"
	}
	return models.RoutingDecision{
		Strategy: models.StrategyStatefulTurn,
		Model:    r.cfg.PremiumModel,
		Tier:     models.TierPremium,
		Reason:   reason,
	}
}

func (r *Router) hasComplexMarker(message string) bool {
	normalized := cache.Normalize(message)
	for _, marker := range r.cfg.ComplexMarkers {
		if strings.Contains(normalized, marker) {
			return true
		}
	}
	return false
}
