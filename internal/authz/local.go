package authz

import (
	"context"
	"errors"
	"reflect"
	"sync"

	"github.com/mjza/mra-core-sub000/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// RuleSource loads the policy and role tables the embedded evaluator runs on.
type RuleSource interface {
	LoadPolicyRules(ctx context.Context) ([]models.PolicyRule, error)
	LoadRoleBindings(ctx context.Context) ([]models.RoleBinding, error)
}

// IdentityResolver turns a bearer credential into the acting identity.
// Resolution errors are credential faults, not denials.
type IdentityResolver func(ctx context.Context, credential string) (*models.Identity, error)

// Local is an embedded Decider evaluating tenant-scoped policy tuples.
// Rule loading is lazy and single-flight: concurrent first use performs one
// load and every caller awaits the same outcome. Reload swaps the rule set
// between requests; a rule set is immutable during one evaluation.
type Local struct {
	source     RuleSource
	resolve    IdentityResolver
	conditions *ConditionRegistry

	group singleflight.Group
	mu    sync.RWMutex
	rules []models.PolicyRule
	binds []models.RoleBinding
	ready bool
}

// NewLocal creates a Local decider. A nil registry gets the built-ins.
func NewLocal(source RuleSource, resolve IdentityResolver, conditions *ConditionRegistry) *Local {
	if conditions == nil {
		conditions = NewConditionRegistry()
	}
	return &Local{source: source, resolve: resolve, conditions: conditions}
}

// Conditions exposes the registry so callers can install domain predicates.
func (l *Local) Conditions() *ConditionRegistry {
	return l.conditions
}

// Reload discards the cached rule set; the next Decide re-loads it.
func (l *Local) Reload() {
	l.mu.Lock()
	l.ready = false
	l.mu.Unlock()
}

func (l *Local) snapshot(ctx context.Context) ([]models.PolicyRule, []models.RoleBinding, error) {
	l.mu.RLock()
	if l.ready {
		rules, binds := l.rules, l.binds
		l.mu.RUnlock()
		return rules, binds, nil
	}
	l.mu.RUnlock()

	// The load is shared across callers, so it must not die with whichever
	// request happened to trigger it.
	loadCtx := context.WithoutCancel(ctx)
	_, err, _ := l.group.Do("load", func() (any, error) {
		rules, err := l.source.LoadPolicyRules(loadCtx)
		if err != nil {
			return nil, err
		}
		binds, err := l.source.LoadRoleBindings(loadCtx)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.rules, l.binds, l.ready = rules, binds, true
		l.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return nil, nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rules, l.binds, nil
}

// Decide resolves the identity, collects its roles within the request
// domain, and matches policy tuples. Deny overrides allow; no matching
// allow is a denial.
func (l *Local) Decide(ctx context.Context, req Request) (*models.Decision, error) {
	if req.Credential == "" {
		return nil, &FailureError{Err: errors.New("no credential present")}
	}
	identity, err := l.resolve(ctx, req.Credential)
	if err != nil {
		return nil, &FailureError{Err: err}
	}

	rules, binds, err := l.snapshot(ctx)
	if err != nil {
		return nil, &FailureError{Err: err}
	}

	// Role resolution never crosses domains implicitly.
	var roles []string
	for _, b := range binds {
		if b.Identity == identity.ID && b.Domain == req.Domain {
			roles = append(roles, b.Role)
		}
	}

	subjects := append([]string{identity.ID}, roles...)
	allowed := false
	for i := range rules {
		rule := &rules[i]
		if !l.ruleMatches(rule, subjects, req) {
			continue
		}
		if rule.Effect == models.EffectDeny {
			return nil, &DeniedError{Message: "denied by policy"}
		}
		allowed = true
	}
	if !allowed {
		return nil, &DeniedError{Message: "no matching allow policy"}
	}

	return &models.Decision{
		User:       *identity,
		Roles:      roles,
		Conditions: extractConditions(req.Attributes),
	}, nil
}

func (l *Local) ruleMatches(rule *models.PolicyRule, subjects []string, req Request) bool {
	// Rules in the public domain apply to every tenant; tenant rules apply
	// to their own domain only.
	if rule.Domain != req.Domain && rule.Domain != models.PublicDomain {
		return false
	}
	if rule.Object != req.Object || rule.Action != req.Action {
		return false
	}
	matched := ""
	for _, s := range subjects {
		if rule.Subject == s || rule.Subject == "*" {
			matched = s
			break
		}
	}
	if matched == "" && rule.Subject != "*" {
		return false
	}
	// Attribute values come from JSONB and from request payloads, so both
	// sides can hold maps or slices; == would panic on those.
	for k, want := range rule.Attributes {
		if !reflect.DeepEqual(req.Attributes[k], want) {
			return false
		}
	}
	if rule.Condition != "" && rule.Condition != "none" {
		cond := l.conditions.Lookup(rule.Condition)
		if cond == nil {
			log.Warn().Str("condition", rule.Condition).Msg("unknown policy condition, rule skipped")
			return false
		}
		if !cond(matched, req.Domain, req.Object, req.Attributes) {
			return false
		}
	}
	return true
}

// extractConditions hands the where/set sub-objects back to the caller. The
// embedded evaluator does not narrow them; the remote service may.
func extractConditions(attrs map[string]any) models.Conditions {
	var c models.Conditions
	if w, ok := attrs["where"].(map[string]any); ok {
		c.Where = w
	}
	if s, ok := attrs["set"].(map[string]any); ok {
		c.Set = s
	}
	return c
}
