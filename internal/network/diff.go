package network

// OpKind is the mutation applied to a backend for one rule
type OpKind string

const (
	OpAdd    OpKind = "add"
	OpRemove OpKind = "remove"
)

// RuleOp is one step of a transition plan
type RuleOp struct {
	Kind OpKind
	Rule ACLRule
}

func (o RuleOp) String() string {
	return string(o.Kind) + " " + o.Rule.String()
}

// PlanTransition orders the mutations that take a backend from oldRules to
// newRules one rule at a time. Steps run in four phases:
//
//  1. add new reject rules
//  2. remove stale allow rules
//  3. add new allow rules
//  4. remove stale reject rules
//
// After every step the enforced set is at least as strict as oldRules or
// newRules, so a destination blocked by both is never reachable mid-way.
// Unchanged rules produce no steps.
func PlanTransition(oldRules, newRules []ACLRule) []RuleOp {
	oldSet := make(map[ACLRule]struct{}, len(oldRules))
	for _, r := range oldRules {
		oldSet[r] = struct{}{}
	}
	newSet := make(map[ACLRule]struct{}, len(newRules))
	for _, r := range newRules {
		newSet[r] = struct{}{}
	}

	var added, removed []ACLRule
	for _, r := range newRules {
		if _, ok := oldSet[r]; !ok {
			added = append(added, r)
		}
	}
	for _, r := range oldRules {
		if _, ok := newSet[r]; !ok {
			removed = append(removed, r)
		}
	}

	var plan []RuleOp
	phase := func(kind OpKind, rules []ACLRule, action Action) {
		for _, r := range rules {
			if r.Action == action {
				plan = append(plan, RuleOp{Kind: kind, Rule: r})
			}
		}
	}

	phase(OpAdd, added, ActionReject)
	phase(OpRemove, removed, ActionAllow)
	phase(OpAdd, added, ActionAllow)
	phase(OpRemove, removed, ActionReject)

	return plan
}
