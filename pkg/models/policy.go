package models

// PublicDomain is the global tenant. Policies defined in it apply to every
// customer; role bindings in it never grant roles in a private domain.
const PublicDomain = "0"

// Policy effects.
const (
	EffectAllow = "allow"
	EffectDeny  = "deny"
)

// Action identifiers shared with the decision service.
const (
	ActionCreate = "C"
	ActionRead   = "R"
	ActionUpdate = "U"
	ActionDelete = "D"
)

// PolicyRule is one tenant-scoped policy tuple. Subject is a role name, an
// identity, or "*". Condition names a dynamic predicate ("none" or empty for
// a static rule). Attributes are required key/value equalities evaluated
// against the request attributes.
type PolicyRule struct {
	Subject    string         `json:"subject"`
	Domain     string         `json:"domain"`
	Object     string         `json:"object"`
	Action     string         `json:"action"`
	Condition  string         `json:"condition"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Effect     string         `json:"effect"`
}

// RoleBinding grants an identity a role within a single domain.
type RoleBinding struct {
	Identity string `json:"identity"`
	Role     string `json:"role"`
	Domain   string `json:"domain"`
}

// Identity is the resolved acting identity of a request.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}

// Conditions carries row-shaping filters the decision service computed.
// Callers must use these rather than the ones they sent; the service may
// have narrowed them.
type Conditions struct {
	Where map[string]any `json:"where,omitempty"`
	Set   map[string]any `json:"set,omitempty"`
}

// Decision is the outcome of a successful authorization call.
type Decision struct {
	User       Identity   `json:"user"`
	Roles      []string   `json:"roles"`
	Conditions Conditions `json:"conditions"`
}

// HasRole returns true if the decision includes the given role.
func (d *Decision) HasRole(role string) bool {
	for _, r := range d.Roles {
		if r == role {
			return true
		}
	}
	return false
}
