package network

import (
	"cmp"
	"fmt"
	"net/netip"
	"slices"
)

// Rule priorities; lower is evaluated first
const (
	PriorityDeny          = 10
	PriorityException     = 20
	PriorityAllow         = 30
	PriorityIngressReturn = 40
	PriorityDefault       = 100
)

// ACLRule is one compiled rule. Rules are values and never edited in place.
type ACLRule struct {
	Priority  int
	Direction Direction
	Action    Action
	Target    netip.Prefix
	// Protocol is optional; empty matches any protocol
	Protocol string
}

// String renders the canonical form used for diffing and display
func (r ACLRule) String() string {
	s := fmt.Sprintf("%d %s %s %s", r.Priority, r.Direction, r.Action, r.Target)
	if r.Protocol != "" {
		s += " " + r.Protocol
	}
	return s
}

// IsDefault reports whether the rule is a catch-all default action
func (r ACLRule) IsDefault() bool {
	return r.Priority == PriorityDefault && r.Target == AnyIPv4 && r.Protocol == ""
}

// Matches reports whether traffic to (egress) or from (ingress) ip hits the rule
func (r ACLRule) Matches(dir Direction, ip netip.Addr) bool {
	return r.Direction == dir && r.Target.Contains(ip)
}

func compareRules(a, b ACLRule) int {
	if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Direction, b.Direction); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Action, b.Action); c != 0 {
		return c
	}
	if c := a.Target.Addr().Compare(b.Target.Addr()); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Target.Bits(), b.Target.Bits()); c != 0 {
		return c
	}
	return cmp.Compare(a.Protocol, b.Protocol)
}

// Compile converts an intent into an ordered rule list. The output depends
// only on the intent, so equal intents always compile to identical lists.
// Open mode compiles to no rules at all.
func Compile(intent NormalizedIntent) []ACLRule {
	if len(intent.Deny) == 0 && len(intent.Exceptions) == 0 &&
		len(intent.Allow) == 0 && len(intent.IngressSources) == 0 &&
		intent.DefaultAction != ActionReject {
		return nil
	}

	var rules []ACLRule
	add := func(prio int, dir Direction, action Action, targets []netip.Prefix) {
		for _, t := range targets {
			rules = append(rules, ACLRule{Priority: prio, Direction: dir, Action: action, Target: t})
		}
	}

	add(PriorityDeny, DirectionEgress, ActionReject, intent.Deny)
	add(PriorityException, DirectionEgress, ActionAllow, intent.Exceptions)
	add(PriorityAllow, DirectionEgress, ActionAllow, intent.Allow)
	add(PriorityIngressReturn, DirectionIngress, ActionAllow, intent.IngressSources)

	defaultAction := intent.DefaultAction
	if defaultAction == "" {
		defaultAction = ActionAllow
	}
	add(PriorityDefault, DirectionEgress, defaultAction, []netip.Prefix{AnyIPv4})
	add(PriorityDefault, DirectionIngress, ActionReject, []netip.Prefix{AnyIPv4})

	slices.SortStableFunc(rules, compareRules)
	return slices.CompactFunc(rules, func(a, b ACLRule) bool { return a == b })
}

// Evaluate returns the action the first matching rule applies to ip. With no
// rules, or no match, traffic is allowed.
func Evaluate(rules []ACLRule, dir Direction, ip netip.Addr) Action {
	for _, r := range rules {
		if r.Matches(dir, ip) {
			return r.Action
		}
	}
	return ActionAllow
}

// RulesEqual reports whether two compiled rule lists are identical
func RulesEqual(a, b []ACLRule) bool {
	return slices.Equal(a, b)
}
