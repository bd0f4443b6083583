package filter

import (
	"go.uber.org/zap"

	"github.com/crowdsieve/crowdsieve/internal/config"
)

// ModeBlock filters alerts that match a rule; ModeAllow filters alerts
// that match none.
const (
	ModeBlock = "block"
	ModeAllow = "allow"
)

// MatchedRule records one rule that matched an alert, with its reason.
type MatchedRule struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Verdict is the engine's decision for one alert.
type Verdict struct {
	Filtered bool
	Matched  []MatchedRule
}

type compiledRule struct {
	name    string
	enabled bool
	expr    Expr
}

// Engine evaluates alerts against a compiled rule set.
type Engine struct {
	mode  string
	rules []compiledRule
	log   *zap.Logger
}

// New compiles the configured rules. Rules that fail to compile are
// disabled and logged; compilation never fails the engine.
func New(cfg config.FiltersConfig, log *zap.Logger) *Engine {
	e := &Engine{mode: cfg.Mode, log: log}
	if e.mode == "" {
		e.mode = ModeBlock
	}

	for _, r := range cfg.Rules {
		cr := compiledRule{name: r.Name, enabled: r.IsEnabled()}
		if r.Filter == nil {
			log.Warn("filter rule has no expression, disabling", zap.String("rule", r.Name))
			cr.enabled = false
		} else {
			expr, err := Compile(r.Filter)
			if err != nil {
				log.Warn("filter rule failed to compile, disabling",
					zap.String("rule", r.Name), zap.Error(err))
				cr.enabled = false
			}
			cr.expr = expr
		}
		e.rules = append(e.rules, cr)
	}

	return e
}

// Mode returns the engine mode.
func (e *Engine) Mode() string { return e.mode }

// RuleCount returns the number of configured rules.
func (e *Engine) RuleCount() int { return len(e.rules) }

// Evaluate runs every enabled rule against the alert and derives the
// filtered verdict from the configured mode. A failure inside one rule is
// treated as no-match for that rule; the remaining rules still run.
func (e *Engine) Evaluate(alert map[string]any) Verdict {
	var matched []MatchedRule
	for _, r := range e.rules {
		if !r.enabled || r.expr == nil {
			continue
		}
		if ok, reason := e.evalRule(r, alert); ok {
			matched = append(matched, MatchedRule{Name: r.name, Reason: reason})
		}
	}

	filtered := len(matched) > 0
	if e.mode == ModeAllow {
		filtered = len(matched) == 0
	}
	return Verdict{Filtered: filtered, Matched: matched}
}

func (e *Engine) evalRule(r compiledRule, alert map[string]any) (ok bool, reason string) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
			reason = ""
		}
	}()
	return r.expr.Eval(alert)
}
