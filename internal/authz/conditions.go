package authz

import "sync"

// Condition is a named dynamic predicate referenced by policy rules. It is
// resolved by name at evaluation time and must be pure.
type Condition func(subject, domain, object string, attrs map[string]any) bool

// ConditionRegistry maps condition names to predicates. The zero value is
// not usable; construct with NewConditionRegistry, which installs the
// built-in predicates.
type ConditionRegistry struct {
	mu     sync.RWMutex
	byName map[string]Condition
}

// NewConditionRegistry returns a registry with the built-in conditions
// registered.
func NewConditionRegistry() *ConditionRegistry {
	r := &ConditionRegistry{byName: map[string]Condition{}}
	r.Register("check_ownership", checkOwnership)
	r.Register("check_relationship", checkRelationship)
	return r
}

// Register installs or replaces a named condition.
func (r *ConditionRegistry) Register(name string, cond Condition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[name] = cond
}

// Lookup returns the named condition, or nil when unknown.
func (r *ConditionRegistry) Lookup(name string) Condition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// checkOwnership passes when the request attributes name the subject as the
// row owner.
func checkOwnership(subject, domain, object string, attrs map[string]any) bool {
	owner, _ := attrs["owner"].(string)
	return owner != "" && owner == subject
}

// checkRelationship passes when the subject appears in the row's related
// subjects.
func checkRelationship(subject, domain, object string, attrs map[string]any) bool {
	related, _ := attrs["related_subjects"].([]any)
	for _, r := range related {
		if s, ok := r.(string); ok && s == subject {
			return true
		}
	}
	return false
}
