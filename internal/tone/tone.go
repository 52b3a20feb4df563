// Package tone tracks each member's communication style and renders it as a
// short instruction block for the coach prompt.
//
// Signals are detected heuristically from the member's own messages and
// smoothed with an EMA so one unusual message never flips the style. Tags
// activate and deactivate with hysteresis.
package tone

import (
	"math"
	"strings"
	"sync"
	"time"
)

// Tags is the closed set of style tags a profile may carry.
var Tags = map[string]bool{
	"concise":       true,
	"detailed":      true,
	"casual":        true,
	"formal":        true,
	"direct_coach":  true,
	"gentle_coach":  true,
	"bullet_points": true,
	"no_emojis":     true,
}

// exclusivePairs lists tags where at most one may be active; the higher score
// wins.
var exclusivePairs = [][2]string{
	{"concise", "detailed"},
	{"casual", "formal"},
	{"direct_coach", "gentle_coach"},
}

// Smoothing constants
const (
	alpha             = float32(0.2)
	activateThreshold = float32(0.6)
	deactivateThresh  = float32(0.3)
	// minUpdateInterval rate-limits profile mutation per member.
	minUpdateInterval = time.Minute
)

// Profile is the smoothed style state for one member.
type Profile struct {
	ActiveTags []string
	Scores     map[string]float32
	UpdatedAt  time.Time
}

// Tracker holds tone profiles keyed by member. Profiles are session-scoped;
// a restart simply relearns the style over the next few messages.
type Tracker struct {
	mu       sync.Mutex
	profiles map[string]*Profile
}

// NewTracker creates an empty tone tracker.
func NewTracker() *Tracker {
	return &Tracker{profiles: make(map[string]*Profile)}
}

// Observe detects style signals in a member message and folds them into the
// member's profile. It returns the currently active tags.
func (t *Tracker) Observe(userID, message string) []string {
	signals := DetectSignals(message)

	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.profiles[userID]
	if !ok {
		p = &Profile{Scores: make(map[string]float32)}
		t.profiles[userID] = p
	}
	applySignals(p, signals, time.Now().UTC())
	return append([]string(nil), p.ActiveTags...)
}

// ActiveTags returns the member's current tags without observing a message.
func (t *Tracker) ActiveTags(userID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.profiles[userID]
	if !ok {
		return nil
	}
	return append([]string(nil), p.ActiveTags...)
}

// DetectSignals derives style observations from the text of one member
// message. Scores are in [0,1]; absent tags decay toward zero over time.
func DetectSignals(message string) map[string]float32 {
	signals := make(map[string]float32)
	trimmed := strings.TrimSpace(message)
	lower := strings.ToLower(trimmed)
	words := len(strings.Fields(trimmed))

	switch {
	case words > 0 && words <= 8:
		signals["concise"] = 1.0
	case words >= 60:
		signals["detailed"] = 1.0
	}

	if strings.Contains(lower, "just tell me") || strings.Contains(lower, "get to the point") ||
		strings.Contains(lower, "skip the") {
		signals["direct_coach"] = 1.0
		signals["concise"] = 1.0
	}
	if strings.Contains(lower, "be gentle") || strings.Contains(lower, "going through a lot") ||
		strings.Contains(lower, "be patient with me") {
		signals["gentle_coach"] = 1.0
	}

	if strings.Contains(lower, "no emojis") || strings.Contains(lower, "without emojis") {
		signals["no_emojis"] = 1.0
	}
	if strings.Contains(lower, "bullet points") || strings.Contains(lower, "as a list") {
		signals["bullet_points"] = 1.0
	}

	if strings.Contains(trimmed, "!") || strings.Contains(lower, "lol") || strings.Contains(lower, "haha") {
		signals["casual"] = 0.8
	}
	if strings.Contains(lower, "dear coach") || strings.Contains(lower, "kind regards") {
		signals["formal"] = 1.0
	}

	return signals
}

// applySignals folds one observation into the profile with EMA smoothing and
// hysteresis, then re-derives the active tag set.
func applySignals(p *Profile, signals map[string]float32, now time.Time) {
	if len(signals) == 0 {
		return
	}
	if !p.UpdatedAt.IsZero() && now.Sub(p.UpdatedAt) < minUpdateInterval {
		return
	}

	for tag, v := range signals {
		if !Tags[tag] {
			continue
		}
		prev := p.Scores[tag]
		p.Scores[tag] = clamp((1-alpha)*prev + alpha*clamp(v))
	}
	for tag, prev := range p.Scores {
		if _, observed := signals[tag]; observed || prev <= 0 {
			continue
		}
		p.Scores[tag] = clamp((1 - alpha) * prev)
	}

	for _, pair := range exclusivePairs {
		a, b := pair[0], pair[1]
		if p.Scores[a] >= activateThreshold && p.Scores[b] >= activateThreshold {
			if p.Scores[a] >= p.Scores[b] {
				p.Scores[b] = deactivateThresh
			} else {
				p.Scores[a] = deactivateThresh
			}
		}
	}

	active := make(map[string]bool, len(p.ActiveTags))
	for _, tag := range p.ActiveTags {
		active[tag] = true
	}
	for tag, score := range p.Scores {
		if score >= activateThreshold {
			active[tag] = true
		} else if score <= deactivateThresh {
			delete(active, tag)
		}
		// Between thresholds the tag keeps its current state.
	}

	tags := make([]string, 0, len(active))
	for tag := range active {
		tags = append(tags, tag)
	}
	p.ActiveTags = tags
	p.UpdatedAt = now
}

// guideLines maps each tag to its prompt instruction.
var guideLines = map[string]string{
	"concise":       "Keep replies short. No filler.",
	"detailed":      "Give fuller explanations with context.",
	"casual":        "Use casual, friendly language.",
	"formal":        "Use a professional register.",
	"direct_coach":  "Be direct: clear, action-oriented feedback.",
	"gentle_coach":  "Be gentle: patient, encouraging guidance.",
	"bullet_points": "Use bullet points when listing items.",
	"no_emojis":     "Do not use emojis.",
}

// BuildGuide renders the active tags as a prompt snippet. Returns an empty
// string when no tags are active.
func BuildGuide(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Match the member's communication style:\n")
	wrote := false
	for _, tag := range tags {
		line, ok := guideLines[tag]
		if !ok {
			continue
		}
		b.WriteString("- ")
		b.WriteString(line)
		b.WriteString("\n")
		wrote = true
	}
	if !wrote {
		return ""
	}
	return b.String()
}

func clamp(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	// Round to damp float drift across repeated EMA passes.
	return float32(math.Round(float64(v)*10000) / 10000)
}
