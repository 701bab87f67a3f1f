package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"
)

// Rule is a threshold rule. Expr is a CEL expression over
// name (string), count (int, events of that name this hour) and meta (map of strings).
type Rule struct {
	Name     string
	Expr     string
	Severity string
	Cooldown time.Duration
}

// Alert is a fired rule.
type Alert struct {
	Rule     string    `json:"rule"`
	Severity string    `json:"severity"`
	Event    Event     `json:"event"`
	Count    int64     `json:"count"`
	FiredAt  time.Time `json:"fired_at"`
}

// Alerter delivers alerts. Delivery channels live outside this package.
type Alerter interface {
	Fire(ctx context.Context, alert Alert)
}

// LogAlerter writes alerts to the structured log.
type LogAlerter struct {
	Logger *slog.Logger
}

// Fire implements Alerter.
func (l LogAlerter) Fire(ctx context.Context, alert Alert) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.WarnContext(ctx, "alert fired",
		slog.String("rule", alert.Rule),
		slog.String("severity", alert.Severity),
		slog.String("event", alert.Event.Name),
		slog.Int64("count", alert.Count),
	)
}

type compiledRule struct {
	rule    Rule
	program cel.Program
}

// AlertEvaluator runs every rule against each event.
type AlertEvaluator struct {
	rules   []compiledRule
	alerter Alerter

	mu        sync.Mutex
	lastFired map[string]time.Time
	now       func() time.Time
}

func newAlertEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("name", cel.StringType),
		cel.Variable("count", cel.IntType),
		cel.Variable("meta", cel.MapType(cel.StringType, cel.StringType)),
	)
}

// NewAlertEvaluator compiles rules. A rule that fails to compile or does not
// evaluate to a bool is an error.
func NewAlertEvaluator(rules []Rule, alerter Alerter) (*AlertEvaluator, error) {
	env, err := newAlertEnv()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create alert rule environment")
	}
	if alerter == nil {
		alerter = LogAlerter{}
	}

	evaluator := &AlertEvaluator{
		alerter:   alerter,
		lastFired: make(map[string]time.Time),
		now:       time.Now,
	}
	for _, rule := range rules {
		ast, issues := env.Compile(rule.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, errors.Wrapf(issues.Err(), "alert rule %q does not compile", rule.Name)
		}
		if ast.OutputType() != cel.BoolType {
			return nil, errors.Errorf("alert rule %q must evaluate to bool, got %s", rule.Name, ast.OutputType())
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, errors.Wrapf(err, "alert rule %q cannot be planned", rule.Name)
		}
		evaluator.rules = append(evaluator.rules, compiledRule{rule: rule, program: program})
	}
	return evaluator, nil
}

// Evaluate runs all rules against event and fires the ones that match and are out of cooldown.
// It returns the alerts it fired.
func (e *AlertEvaluator) Evaluate(ctx context.Context, event Event, count int64) []Alert {
	if e == nil || len(e.rules) == 0 {
		return nil
	}

	vars := map[string]any{
		"name":  event.Name,
		"count": count,
		"meta":  stringifyMetadata(event.Metadata),
	}

	var fired []Alert
	for _, compiled := range e.rules {
		out, _, err := compiled.program.Eval(vars)
		if err != nil {
			// Missing meta keys are normal for events the rule is not about.
			slog.Debug("alert rule evaluation failed", "rule", compiled.rule.Name, "error", err)
			continue
		}
		matched, ok := out.Value().(bool)
		if !ok || !matched {
			continue
		}
		if !e.claim(compiled.rule) {
			continue
		}

		alert := Alert{
			Rule:     compiled.rule.Name,
			Severity: compiled.rule.Severity,
			Event:    event,
			Count:    count,
			FiredAt:  e.now(),
		}
		e.alerter.Fire(ctx, alert)
		fired = append(fired, alert)
	}
	return fired
}

// claim records a firing unless the rule is still cooling down.
func (e *AlertEvaluator) claim(rule Rule) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if last, ok := e.lastFired[rule.Name]; ok && rule.Cooldown > 0 && now.Sub(last) < rule.Cooldown {
		return false
	}
	e.lastFired[rule.Name] = now
	return true
}

func stringifyMetadata(metadata map[string]any) map[string]string {
	out := make(map[string]string, len(metadata))
	for key, value := range metadata {
		out[key] = fmt.Sprint(value)
	}
	return out
}
