package authz

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mjza/mra-core-sub000/pkg/models"
)

type memRules struct {
	rules      []models.PolicyRule
	binds      []models.RoleBinding
	loads      atomic.Int32
	fail       bool
	respectCtx bool
}

func (m *memRules) LoadPolicyRules(ctx context.Context) ([]models.PolicyRule, error) {
	m.loads.Add(1)
	if m.fail {
		return nil, errors.New("db down")
	}
	if m.respectCtx && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return m.rules, nil
}

func (m *memRules) LoadRoleBindings(ctx context.Context) ([]models.RoleBinding, error) {
	if m.fail {
		return nil, errors.New("db down")
	}
	if m.respectCtx && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return m.binds, nil
}

func resolveAs(id string) IdentityResolver {
	return func(ctx context.Context, credential string) (*models.Identity, error) {
		if credential == "" {
			return nil, errors.New("no credential")
		}
		return &models.Identity{ID: id}, nil
	}
}

func TestLocalAllowByRole(t *testing.T) {
	src := &memRules{
		rules: []models.PolicyRule{
			{Subject: "agent", Domain: models.PublicDomain, Object: "tickets", Action: "R", Condition: "none", Effect: models.EffectAllow},
		},
		binds: []models.RoleBinding{{Identity: "u1", Role: "agent", Domain: "42"}},
	}
	l := NewLocal(src, resolveAs("u1"), nil)

	dec, err := l.Decide(context.Background(), Request{Domain: "42", Object: "tickets", Action: "R", Credential: "Bearer x"})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if !dec.HasRole("agent") {
		t.Errorf("expected agent role in decision, got %+v", dec.Roles)
	}
}

func TestLocalRolesDoNotCrossDomains(t *testing.T) {
	src := &memRules{
		rules: []models.PolicyRule{
			{Subject: "agent", Domain: "42", Object: "tickets", Action: "R", Condition: "none", Effect: models.EffectAllow},
		},
		binds: []models.RoleBinding{{Identity: "u1", Role: "agent", Domain: "42"}},
	}
	l := NewLocal(src, resolveAs("u1"), nil)

	// The binding is in domain 42; asking in domain 7 must not grant it.
	_, err := l.Decide(context.Background(), Request{Domain: "7", Object: "tickets", Action: "R", Credential: "Bearer x"})
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected denial in foreign domain, got %v", err)
	}
}

func TestLocalDenyOverridesAllow(t *testing.T) {
	src := &memRules{
		rules: []models.PolicyRule{
			{Subject: "u1", Domain: models.PublicDomain, Object: "tickets", Action: "D", Condition: "none", Effect: models.EffectAllow},
			{Subject: "u1", Domain: models.PublicDomain, Object: "tickets", Action: "D", Condition: "none", Effect: models.EffectDeny},
		},
	}
	l := NewLocal(src, resolveAs("u1"), nil)

	_, err := l.Decide(context.Background(), Request{Domain: "0", Object: "tickets", Action: "D", Credential: "Bearer x"})
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("deny must override allow, got %v", err)
	}
}

func TestLocalOwnershipCondition(t *testing.T) {
	src := &memRules{
		rules: []models.PolicyRule{
			{Subject: "u1", Domain: models.PublicDomain, Object: "tickets", Action: "U", Condition: "check_ownership", Effect: models.EffectAllow},
		},
	}
	l := NewLocal(src, resolveAs("u1"), nil)
	ctx := context.Background()

	if _, err := l.Decide(ctx, Request{
		Domain: "0", Object: "tickets", Action: "U", Credential: "Bearer x",
		Attributes: map[string]any{"owner": "u1"},
	}); err != nil {
		t.Errorf("owner should be allowed: %v", err)
	}

	_, err := l.Decide(ctx, Request{
		Domain: "0", Object: "tickets", Action: "U", Credential: "Bearer x",
		Attributes: map[string]any{"owner": "someone-else"},
	})
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Errorf("non-owner should be denied, got %v", err)
	}
}

func TestLocalAttributeEqualities(t *testing.T) {
	src := &memRules{
		rules: []models.PolicyRule{
			{Subject: "*", Domain: models.PublicDomain, Object: "tickets", Action: "R", Condition: "none",
				Attributes: map[string]any{"status": "open"}, Effect: models.EffectAllow},
		},
	}
	l := NewLocal(src, resolveAs("u1"), nil)
	ctx := context.Background()

	if _, err := l.Decide(ctx, Request{
		Domain: "0", Object: "tickets", Action: "R", Credential: "Bearer x",
		Attributes: map[string]any{"status": "open"},
	}); err != nil {
		t.Errorf("matching attributes should allow: %v", err)
	}
	if _, err := l.Decide(ctx, Request{
		Domain: "0", Object: "tickets", Action: "R", Credential: "Bearer x",
		Attributes: map[string]any{"status": "closed"},
	}); err == nil {
		t.Error("mismatched attributes should deny")
	}
}

func TestLocalObjectValuedAttributes(t *testing.T) {
	// Rules loaded from JSONB may carry map-valued attributes, and requests
	// carry where/set maps under the same keys; comparison must not panic.
	src := &memRules{
		rules: []models.PolicyRule{
			{Subject: "u1", Domain: models.PublicDomain, Object: "tickets", Action: "R", Condition: "none",
				Attributes: map[string]any{"where": map[string]any{"status": "open"}}, Effect: models.EffectAllow},
		},
	}
	l := NewLocal(src, resolveAs("u1"), nil)
	ctx := context.Background()

	if _, err := l.Decide(ctx, Request{
		Domain: "0", Object: "tickets", Action: "R", Credential: "Bearer x",
		Attributes: map[string]any{"where": map[string]any{"status": "open"}},
	}); err != nil {
		t.Errorf("deep-equal attributes should allow: %v", err)
	}

	_, err := l.Decide(ctx, Request{
		Domain: "0", Object: "tickets", Action: "R", Credential: "Bearer x",
		Attributes: map[string]any{"where": map[string]any{"status": "closed"}},
	})
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Errorf("mismatched map attributes should deny, got %v", err)
	}
}

func TestLocalConditionsPassThrough(t *testing.T) {
	src := &memRules{
		rules: []models.PolicyRule{
			{Subject: "u1", Domain: models.PublicDomain, Object: "tickets", Action: "R", Condition: "none", Effect: models.EffectAllow},
		},
	}
	l := NewLocal(src, resolveAs("u1"), nil)

	where := map[string]any{"creator": "u1"}
	dec, err := l.Decide(context.Background(), Request{
		Domain: "0", Object: "tickets", Action: "R", Credential: "Bearer x",
		Attributes: map[string]any{"where": where},
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Conditions.Where["creator"] != "u1" {
		t.Errorf("where conditions should come back to the caller, got %+v", dec.Conditions)
	}
}

func TestLocalLoadFailureIsFailureNotDenial(t *testing.T) {
	src := &memRules{fail: true}
	l := NewLocal(src, resolveAs("u1"), nil)

	_, err := l.Decide(context.Background(), Request{Domain: "0", Object: "tickets", Action: "R", Credential: "Bearer x"})
	var failure *FailureError
	if !errors.As(err, &failure) {
		t.Fatalf("rule load failure must be a FailureError, got %v", err)
	}
}

func TestLocalSingleFlightLoad(t *testing.T) {
	src := &memRules{
		rules: []models.PolicyRule{
			{Subject: "u1", Domain: models.PublicDomain, Object: "tickets", Action: "R", Condition: "none", Effect: models.EffectAllow},
		},
	}
	l := NewLocal(src, resolveAs("u1"), nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Decide(context.Background(), Request{Domain: "0", Object: "tickets", Action: "R", Credential: "Bearer x"}) //nolint:errcheck
		}()
	}
	wg.Wait()

	if n := src.loads.Load(); n != 1 {
		t.Errorf("concurrent first use must load rules exactly once, got %d loads", n)
	}
}

func TestLocalLoadSurvivesCallerCancellation(t *testing.T) {
	src := &memRules{
		rules: []models.PolicyRule{
			{Subject: "u1", Domain: models.PublicDomain, Object: "tickets", Action: "R", Condition: "none", Effect: models.EffectAllow},
		},
		respectCtx: true,
	}
	l := NewLocal(src, resolveAs("u1"), nil)

	// The first caller's context is already cancelled; the shared rule load
	// must still complete for everyone awaiting it.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := l.Decide(ctx, Request{Domain: "0", Object: "tickets", Action: "R", Credential: "Bearer x"}); err != nil {
		t.Fatalf("load should not inherit the triggering caller's cancellation: %v", err)
	}
}

func TestLocalReload(t *testing.T) {
	src := &memRules{
		rules: []models.PolicyRule{
			{Subject: "u1", Domain: models.PublicDomain, Object: "tickets", Action: "R", Condition: "none", Effect: models.EffectAllow},
		},
	}
	l := NewLocal(src, resolveAs("u1"), nil)
	ctx := context.Background()

	if _, err := l.Decide(ctx, Request{Domain: "0", Object: "tickets", Action: "R", Credential: "Bearer x"}); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	src.rules = nil // policy set changed out from under us
	l.Reload()

	if _, err := l.Decide(ctx, Request{Domain: "0", Object: "tickets", Action: "R", Credential: "Bearer x"}); err == nil {
		t.Error("after reload the new (empty) policy set should deny")
	}
	if n := src.loads.Load(); n != 2 {
		t.Errorf("expected exactly 2 loads across a reload, got %d", n)
	}
}
