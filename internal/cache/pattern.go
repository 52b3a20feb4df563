// Package cache provides the zero-cost response paths: a pattern library of
// canned exchanges and a TTL cache of previously generated replies.
package cache

import (
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
)

// Pattern is one canned exchange: a set of trigger phrases and the candidate
// replies served on a hit.
type Pattern struct {
	Key      string   `json:"key"`
	Triggers []string `json:"triggers"`
	Replies  []string `json:"replies"`
}

// Hit is a successful pattern match. It is distinguishable from a miss so the
// router can fall through to a generation strategy.
type Hit struct {
	PatternKey string `json:"pattern_key"`
	Reply      string `json:"reply"`
}

// Normalize folds case and trims whitespace. It deliberately performs no
// fuzzy or semantic matching.
func Normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// Opts holds configuration for the pattern library.
type Opts struct {
	Seed     uint64
	Seeded   bool
	Patterns []Pattern
}

// Option configures the pattern library.
type Option func(*Opts)

// WithSeed pins the candidate-selection RNG so tests are reproducible.
func WithSeed(seed uint64) Option {
	return func(o *Opts) {
		o.Seed = seed
		o.Seeded = true
	}
}

// WithPatterns replaces the default pattern set.
func WithPatterns(patterns []Pattern) Option {
	return func(o *Opts) { o.Patterns = patterns }
}

// Library matches normalized messages against canned exchanges. Matching is
// pure and never touches the network.
type Library struct {
	patterns []Pattern
	triggers map[string]*Pattern

	mu  sync.Mutex
	rng *rand.Rand
}

// NewLibrary creates a pattern library. Without WithSeed the RNG is seeded
// from the global source.
func NewLibrary(opts ...Option) *Library {
	cfg := Opts{Patterns: defaultPatterns()}
	for _, opt := range opts {
		opt(&cfg)
	}

	var rng *rand.Rand
	if cfg.Seeded {
		rng = rand.New(rand.NewPCG(cfg.Seed, cfg.Seed))
	} else {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	lib := &Library{
		patterns: cfg.Patterns,
		triggers: make(map[string]*Pattern),
		rng:      rng,
	}
	for i := range lib.patterns {
		p := &lib.patterns[i]
		for _, trig := range p.Triggers {
			lib.triggers[Normalize(trig)] = p
		}
	}
	slog.Debug("cache.NewLibrary: pattern library built", "patterns", len(lib.patterns), "triggers", len(lib.triggers))
	return lib
}

// Lookup reports whether the normalized message matches a pattern, without
// selecting a candidate reply. The router uses this so routing stays a pure
// function; Match draws from the RNG only when a reply is actually served.
func (l *Library) Lookup(text string) (string, bool) {
	p, ok := l.triggers[Normalize(text)]
	if !ok || len(p.Replies) == 0 {
		return "", false
	}
	return p.Key, true
}

// Match looks the normalized message up in the trigger table and, on a hit,
// picks one candidate reply. Trigger lookup is exact after normalization.
func (l *Library) Match(text string) (*Hit, bool) {
	normalized := Normalize(text)
	p, ok := l.triggers[normalized]
	if !ok {
		return nil, false
	}
	if len(p.Replies) == 0 {
		return nil, false
	}

	l.mu.Lock()
	idx := l.rng.IntN(len(p.Replies))
	l.mu.Unlock()

	slog.Debug("cache.Match: pattern hit", "patternKey", p.Key, "candidate", idx)
	return &Hit{PatternKey: p.Key, Reply: p.Replies[idx]}, true
}

// defaultPatterns returns the built-in canned exchange library.
func defaultPatterns() []Pattern {
	return []Pattern{
		{
			Key:      "greeting",
			Triggers: []string{"hi", "hello", "hey", "yo", "good morning", "good afternoon", "good evening"},
			Replies: []string{
				"Hey! Good to see you. What's the plan today?",
				"Hey hey. What are we working on?",
				"Morning! What's one thing you're committing to today?",
			},
		},
		{
			Key:      "check_in",
			Triggers: []string{"how are you", "how's it going", "what's up", "whats up"},
			Replies: []string{
				"Doing great. More importantly, how did your day go?",
				"All good here. Did you get to the thing you committed to?",
			},
		},
		{
			Key:      "acknowledgement",
			Triggers: []string{"ok", "okay", "thanks", "thank you", "got it", "sounds good"},
			Replies: []string{
				"Anytime. Check back in when it's done.",
				"You got this. Report back later.",
			},
		},
		{
			Key:      "celebration",
			Triggers: []string{"done", "did it", "finished", "completed it"},
			Replies: []string{
				"That's what I like to hear. Streak's building!",
				"Nice work. Keep the momentum going tomorrow.",
				"Done and done. What's next on the list?",
			},
		},
	}
}
