package router

import (
	"testing"

	"github.com/coachrelay/coachrelay/internal/cache"
	"github.com/coachrelay/coachrelay/internal/models"
)

func newTestRouter(opts ...Option) *Router {
	return New(cache.NewLibrary(cache.WithSeed(1)), opts...)
}

func TestRouteRelationshipWindowBeatsCache(t *testing.T) {
	r := newTestRouter()

	// "hey" is a greeting trigger, but a brand-new user still gets full
	// memory under the default policy.
	got := r.Route("hey", models.UserState{TurnCount: 0})
	if got.Strategy != models.StrategyStatefulTurn {
		t.Errorf("expected stateful turn in relationship window, got %s (%s)", got.Strategy, got.Reason)
	}
	if got.Tier != models.TierPremium {
		t.Errorf("stateful turns use the premium tier, got %s", got.Tier)
	}
}

func TestRouteCacheFirstPolicy(t *testing.T) {
	r := newTestRouter(WithPolicy(PolicyCacheFirst))

	got := r.Route("hey", models.UserState{TurnCount: 0})
	if got.Strategy != models.StrategyCacheHit {
		t.Errorf("cache-first policy should serve the cache, got %s", got.Strategy)
	}
	if got.CacheKey != "greeting" {
		t.Errorf("expected greeting cache key, got %q", got.CacheKey)
	}
}

func TestRouteCacheHitAfterWindow(t *testing.T) {
	r := newTestRouter()

	got := r.Route("hey", models.UserState{TurnCount: 10})
	if got.Strategy != models.StrategyCacheHit {
		t.Errorf("established user greeting should hit the cache, got %s", got.Strategy)
	}
}

func TestRouteComplexMarkerForcesStateful(t *testing.T) {
	r := newTestRouter()

	got := r.Route("can you help me understand why do i keep avoiding this", models.UserState{TurnCount: 50})
	if got.Strategy != models.StrategyStatefulTurn {
		t.Errorf("complex topic should route stateful, got %s (%s)", got.Strategy, got.Reason)
	}
}

func TestRouteRoutineTrafficSingleTurn(t *testing.T) {
	r := newTestRouter()

	got := r.Route("went for a short walk at lunch today", models.UserState{TurnCount: 12})
	if got.Strategy != models.StrategySingleTurn {
		t.Errorf("routine traffic should be single turn, got %s (%s)", got.Strategy, got.Reason)
	}
	if got.Tier != models.TierCheap || got.Model == "" {
		t.Errorf("single turn should carry the cheap model, got %+v", got)
	}
}

func TestRouteIsDeterministic(t *testing.T) {
	r := newTestRouter()
	state := models.UserState{TurnCount: 5}

	first := r.Route("hey", state)
	for i := 0; i < 10; i++ {
		if got := r.Route("hey", state); got != first {
			t.Fatalf("routing diverged on call %d: %+v vs %+v", i, got, first)
		}
	}
}

func TestRouteWindowBoundary(t *testing.T) {
	r := newTestRouter(WithRelationshipWindow(3))

	if got := r.Route("hello", models.UserState{TurnCount: 2}); got.Strategy != models.StrategyStatefulTurn {
		t.Errorf("turn 2 is inside the window, got %s", got.Strategy)
	}
	if got := r.Route("hello", models.UserState{TurnCount: 3}); got.Strategy != models.StrategyCacheHit {
		t.Errorf("turn 3 is outside the window, got %s", got.Strategy)
	}
}

func TestRouteCustomComplexMarkers(t *testing.T) {
	r := newTestRouter(WithComplexMarkers([]string{"burnout"}))

	if got := r.Route("i think i have burnout", models.UserState{TurnCount: 9}); got.Strategy != models.StrategyStatefulTurn {
		t.Errorf("custom marker should route stateful, got %s", got.Strategy)
	}
	// Default markers are replaced, not appended.
	if got := r.Route("what is my goal here", models.UserState{TurnCount: 9}); got.Strategy == models.StrategyStatefulTurn {
		t.Error("default markers should no longer apply")
	}
}
