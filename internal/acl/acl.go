// Package acl computes per-entity access decisions for a principal: row
// filters for read/update/delete, create permission, and field omissions.
package acl

// Outcome is the three-state result of an access rule.
type Outcome int

const (
	// OutcomeAllow grants unrestricted access.
	OutcomeAllow Outcome = iota
	// OutcomeDeny refuses access outright.
	OutcomeDeny
	// OutcomeFilter grants access to rows matching an additional predicate.
	OutcomeFilter
)

// Decision carries an Outcome and, for OutcomeFilter, the row predicate that
// must be ANDed with the caller's own filter.
type Decision struct {
	outcome Outcome
	where   map[string]any
}

// Allow returns an unrestricted decision.
func Allow() Decision {
	return Decision{outcome: OutcomeAllow}
}

// Deny returns a hard-deny decision.
func Deny() Decision {
	return Decision{outcome: OutcomeDeny}
}

// Filter returns a decision restricted to rows matching where. An empty
// predicate collapses to Allow.
func Filter(where map[string]any) Decision {
	if len(where) == 0 {
		return Allow()
	}
	return Decision{outcome: OutcomeFilter, where: where}
}

// Outcome returns the decision's outcome.
func (d Decision) Outcome() Outcome { return d.outcome }

// Denied reports whether the decision is a hard deny.
func (d Decision) Denied() bool { return d.outcome == OutcomeDeny }

// Where returns the row predicate for OutcomeFilter decisions, nil otherwise.
func (d Decision) Where() map[string]any {
	if d.outcome != OutcomeFilter {
		return nil
	}
	return d.where
}

// Rule is the per-entity access-control contract. Implementations must be
// safe for concurrent use; decisions are computed per request and never
// cached across requests.
type Rule interface {
	CanCreate(p *Principal, data map[string]any) bool
	ReadFilter(p *Principal) Decision
	UpdateFilter(p *Principal) Decision
	DeleteFilter(p *Principal) Decision
	OmitFields(p *Principal) []string
}

// RuleSet implements Rule from optional function fields. A nil function
// means allow with no restriction, which keeps rule definitions terse.
type RuleSet struct {
	Create     func(p *Principal, data map[string]any) bool
	Read       func(p *Principal) Decision
	Update     func(p *Principal) Decision
	Delete     func(p *Principal) Decision
	Omit       func(p *Principal) []string
	OmitAlways []string
}

func (r RuleSet) CanCreate(p *Principal, data map[string]any) bool {
	if r.Create == nil {
		return true
	}
	return r.Create(p, data)
}

func (r RuleSet) ReadFilter(p *Principal) Decision {
	if r.Read == nil {
		return Allow()
	}
	return r.Read(p)
}

func (r RuleSet) UpdateFilter(p *Principal) Decision {
	if r.Update == nil {
		return Allow()
	}
	return r.Update(p)
}

func (r RuleSet) DeleteFilter(p *Principal) Decision {
	if r.Delete == nil {
		return Allow()
	}
	return r.Delete(p)
}

func (r RuleSet) OmitFields(p *Principal) []string {
	fields := append([]string(nil), r.OmitAlways...)
	if r.Omit != nil {
		fields = append(fields, r.Omit(p)...)
	}
	return fields
}

// Enforcer resolves access decisions for entities, applying the system
// principal bypass. Entities without a registered rule default to Allow.
type Enforcer struct {
	rules map[string]Rule
}

// NewEnforcer creates an Enforcer over a per-entity rule map. The map is
// captured as-is; callers must not mutate it afterwards.
func NewEnforcer(rules map[string]Rule) *Enforcer {
	if rules == nil {
		rules = map[string]Rule{}
	}
	return &Enforcer{rules: rules}
}

func (e *Enforcer) rule(entity string) (Rule, bool) {
	rule, ok := e.rules[entity]
	return rule, ok
}

// CanCreate reports whether the principal may create a row with the given
// data. The system principal always may.
func (e *Enforcer) CanCreate(entity string, p *Principal, data map[string]any) bool {
	if p.IsSystem() {
		return true
	}
	rule, ok := e.rule(entity)
	if !ok {
		return true
	}
	return rule.CanCreate(p, data)
}

// ReadFilter returns the row filter decision for reads.
func (e *Enforcer) ReadFilter(entity string, p *Principal) Decision {
	return e.decision(entity, p, Rule.ReadFilter)
}

// UpdateFilter returns the row filter decision for updates.
func (e *Enforcer) UpdateFilter(entity string, p *Principal) Decision {
	return e.decision(entity, p, Rule.UpdateFilter)
}

// DeleteFilter returns the row filter decision for deletes.
func (e *Enforcer) DeleteFilter(entity string, p *Principal) Decision {
	return e.decision(entity, p, Rule.DeleteFilter)
}

func (e *Enforcer) decision(entity string, p *Principal, resolve func(Rule, *Principal) Decision) Decision {
	if p.IsSystem() {
		return Allow()
	}
	rule, ok := e.rule(entity)
	if !ok {
		return Allow()
	}
	return resolve(rule, p)
}

// OmitFields returns the fields to subtract from output for the principal.
// The system principal sees everything.
func (e *Enforcer) OmitFields(entity string, p *Principal) []string {
	if p.IsSystem() {
		return nil
	}
	rule, ok := e.rule(entity)
	if !ok {
		return nil
	}
	return rule.OmitFields(p)
}
