// Package routing maps work items to one of the agent handlers.
package routing

import (
	"strings"

	"agentflow/internal/domain"
)

// Rule routes items whose type satisfies Match to Handler.
type Rule struct {
	Name    string
	Match   func(taskType string) bool
	Handler domain.HandlerID
}

// Keyword builds a rule matching a case-insensitive substring of the type.
func Keyword(kw string, h domain.HandlerID) Rule {
	lower := strings.ToLower(kw)
	return Rule{
		Name:    kw,
		Match:   func(t string) bool { return strings.Contains(strings.ToLower(t), lower) },
		Handler: h,
	}
}

// DefaultRules is the keyword table, in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		Keyword("creative", domain.HandlerAura),
		Keyword("ui", domain.HandlerAura),
		Keyword("security", domain.HandlerKai),
		Keyword("analysis", domain.HandlerKai),
		Keyword("complex", domain.HandlerGenesis),
		Keyword("fusion", domain.HandlerGenesis),
	}
}

type Decision struct {
	Handler domain.HandlerID `json:"handler"`
	// Rule names the matched rule, "preference" or "default".
	Rule string `json:"rule"`
	// Defaulted is set when neither preference nor rule matched.
	Defaulted bool `json:"defaulted"`
	// IgnoredPreference holds a non-empty preference that named no handler.
	IgnoredPreference string `json:"ignored_preference,omitempty"`
}

// Router holds no state besides its rule table; Route is safe for concurrent use.
type Router struct {
	rules    []Rule
	fallback domain.HandlerID
}

func New(fallback domain.HandlerID, rules ...Rule) *Router {
	r := &Router{fallback: fallback, rules: make([]Rule, len(rules))}
	copy(r.rules, rules)
	return r
}

func Default() *Router { return New(domain.HandlerGenesis, DefaultRules()...) }

func (r *Router) Route(taskType, preference string) Decision {
	var d Decision
	if preference != "" {
		if h, ok := domain.ParseHandler(preference); ok {
			return Decision{Handler: h, Rule: "preference"}
		}
		d.IgnoredPreference = preference
	}
	for _, rule := range r.rules {
		if rule.Match(taskType) {
			d.Handler, d.Rule = rule.Handler, rule.Name
			return d
		}
	}
	d.Handler, d.Rule, d.Defaulted = r.fallback, "default", true
	return d
}
