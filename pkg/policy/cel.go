package policy

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/checker/decls"
)

// RuleEngine compiles and runs the policy's CEL rules. Expressions see the
// resource as flat variables:
//
//	arn, id, name, kind, service, region, account_id, state: string
//	tags:  map<string, string>
//	attrs: map<string, dyn>
//	public: bool
//	encrypted: string ("true", "false", "unknown")
//
// A rule that evaluates to true flags the resource.
type RuleEngine struct {
	env      *cel.Env
	rules    []CustomRule
	programs map[string]cel.Program
	logger   *slog.Logger
}

// RuleHit records one rule firing on one resource.
type RuleHit struct {
	Rule        string `json:"rule"`
	Severity    string `json:"severity,omitempty"`
	Description string `json:"description,omitempty"`
}

// NewRuleEngine compiles the given rules. A compile error names the rule;
// nothing is half-compiled on failure.
func NewRuleEngine(rules []CustomRule, logger *slog.Logger) (*RuleEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	env, err := cel.NewEnv(
		cel.Declarations(
			decls.NewVar("arn", decls.String),
			decls.NewVar("id", decls.String),
			decls.NewVar("name", decls.String),
			decls.NewVar("kind", decls.String),
			decls.NewVar("service", decls.String),
			decls.NewVar("region", decls.String),
			decls.NewVar("account_id", decls.String),
			decls.NewVar("state", decls.String),
			decls.NewVar("tags", decls.NewMapType(decls.String, decls.String)),
			decls.NewVar("attrs", decls.NewMapType(decls.String, decls.Dyn)),
			decls.NewVar("public", decls.Bool),
			decls.NewVar("encrypted", decls.String),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: create cel env: %v", ErrConfig, err)
	}

	e := &RuleEngine{
		env:      env,
		rules:    rules,
		programs: make(map[string]cel.Program, len(rules)),
		logger:   logger,
	}
	for _, r := range rules {
		ast, issues := env.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("%w: rule %s: %v", ErrConfig, r.Name, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %s: %v", ErrConfig, r.Name, err)
		}
		e.programs[r.Name] = prg
	}
	return e, nil
}

// Evaluate runs every rule against one resource's variables and returns the
// hits in rule declaration order. Evaluation errors (missing attrs keys,
// type mismatches against live data) are logged and treated as no-hit: a
// broken rule must not fail the scan.
func (e *RuleEngine) Evaluate(vars map[string]any) []RuleHit {
	var hits []RuleHit
	for _, r := range e.rules {
		prg := e.programs[r.Name]
		out, _, err := prg.Eval(vars)
		if err != nil {
			e.logger.Warn("rule evaluation failed",
				slog.String("rule", r.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if match, ok := out.Value().(bool); ok && match {
			hits = append(hits, RuleHit{Rule: r.Name, Severity: r.Severity, Description: r.Description})
		}
	}
	return hits
}

// Empty reports whether the engine has no rules to run.
func (e *RuleEngine) Empty() bool { return len(e.programs) == 0 }
