// Package policy implements the declarative policy evaluation engine:
// compiling rule bundles, maintaining the single active bundle, and serving
// decisions with a sub-5ms tail-latency target.
package policy

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/covenant/governor/internal/core"
)

// Rule source format, one rule per file:
//
//	package payments
//	# constitutional: a1b2c3d4e5f60718
//	default review
//
//	allow {
//	    compliance >= 0.95
//	    risk == "low"
//	}
//
//	deny {
//	    risk == "critical"
//	}
//
// A clause matches when every condition in its block holds. The most
// specific matching clause (most conditions) wins; ties go to the earliest
// clause. With no match the default verdict applies.

// Condition is a single comparison inside a clause block.
type Condition struct {
	Field string
	Op    string // ==, !=, >, >=, <, <=
	Value interface{}
	Raw   string
}

// Clause is one decision block.
type Clause struct {
	Verdict    core.Verdict
	Conditions []Condition
	Line       int
}

// Rule is the parsed form of one rule source file.
type Rule struct {
	Package    string
	Identifier string // constitutional marker from the header comment
	Default    core.Verdict
	Clauses    []Clause
	Source     string
}

// ID identifies a clause for decision traces.
func (r *Rule) ClauseID(i int) string {
	return fmt.Sprintf("%s#%d", r.Package, i)
}

var comparisonOps = []string{">=", "<=", "==", "!=", ">", "<"}

// ParseRule parses a rule source. Parse errors carry line numbers; the
// compiler aggregates them per rule.
func ParseRule(source string) (*Rule, []string) {
	rule := &Rule{Source: source}
	var errs []string

	lines := strings.Split(source, "\n")
	var current *Clause
	depth := 0

	for i, raw := range lines {
		line := strings.TrimSpace(raw)
		lineNo := i + 1

		switch {
		case line == "":
			continue

		case strings.HasPrefix(line, "# constitutional:"):
			rule.Identifier = strings.TrimSpace(strings.TrimPrefix(line, "# constitutional:"))

		case strings.HasPrefix(line, "#"):
			continue

		case strings.HasPrefix(line, "package "):
			if rule.Package != "" {
				errs = append(errs, fmt.Sprintf("line %d: duplicate package declaration", lineNo))
			}
			rule.Package = strings.TrimSpace(strings.TrimPrefix(line, "package "))

		case strings.HasPrefix(line, "default "):
			v, err := parseVerdict(strings.TrimSpace(strings.TrimPrefix(line, "default ")))
			if err != nil {
				errs = append(errs, fmt.Sprintf("line %d: %v", lineNo, err))
				continue
			}
			rule.Default = v

		case strings.HasSuffix(line, "{"):
			if depth != 0 {
				errs = append(errs, fmt.Sprintf("line %d: nested clause block", lineNo))
				continue
			}
			verdictWord := strings.TrimSpace(strings.TrimSuffix(line, "{"))
			v, err := parseVerdict(verdictWord)
			if err != nil {
				errs = append(errs, fmt.Sprintf("line %d: %v", lineNo, err))
				continue
			}
			current = &Clause{Verdict: v, Line: lineNo}
			depth++

		case line == "}":
			if depth == 0 || current == nil {
				errs = append(errs, fmt.Sprintf("line %d: unbalanced closing brace", lineNo))
				continue
			}
			rule.Clauses = append(rule.Clauses, *current)
			current = nil
			depth--

		default:
			if current == nil {
				errs = append(errs, fmt.Sprintf("line %d: condition outside clause block: %q", lineNo, line))
				continue
			}
			cond, err := parseCondition(line)
			if err != nil {
				errs = append(errs, fmt.Sprintf("line %d: %v", lineNo, err))
				continue
			}
			current.Conditions = append(current.Conditions, cond)
		}
	}

	if depth != 0 {
		errs = append(errs, "unbalanced braces: clause block not closed")
	}
	return rule, errs
}

func parseVerdict(word string) (core.Verdict, error) {
	switch word {
	case "allow":
		return core.VerdictAllow, nil
	case "deny":
		return core.VerdictDeny, nil
	case "review":
		return core.VerdictRequireReview, nil
	}
	return "", fmt.Errorf("unknown verdict %q", word)
}

func parseCondition(line string) (Condition, error) {
	for _, op := range comparisonOps {
		idx := strings.Index(line, op)
		if idx <= 0 {
			continue
		}
		field := strings.TrimSpace(line[:idx])
		rhs := strings.TrimSpace(line[idx+len(op):])
		if field == "" || rhs == "" {
			return Condition{}, fmt.Errorf("malformed condition %q", line)
		}
		value, err := parseLiteral(rhs)
		if err != nil {
			return Condition{}, err
		}
		return Condition{Field: field, Op: op, Value: value, Raw: line}, nil
	}
	return Condition{}, fmt.Errorf("no comparison operator in %q", line)
}

func parseLiteral(token string) (interface{}, error) {
	if strings.HasPrefix(token, `"`) && strings.HasSuffix(token, `"`) && len(token) >= 2 {
		return token[1 : len(token)-1], nil
	}
	if token == "true" {
		return true, nil
	}
	if token == "false" {
		return false, nil
	}
	f, err := strconv.ParseFloat(token, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid literal %q", token)
	}
	return f, nil
}

// Matches evaluates a clause against request attributes.
func (c *Clause) Matches(attrs map[string]interface{}) bool {
	for _, cond := range c.Conditions {
		if !cond.holds(attrs) {
			return false
		}
	}
	return true
}

func (cond *Condition) holds(attrs map[string]interface{}) bool {
	actual, ok := attrs[cond.Field]
	if !ok {
		return false
	}

	switch want := cond.Value.(type) {
	case string:
		got, ok := actual.(string)
		if !ok {
			return false
		}
		switch cond.Op {
		case "==":
			return got == want
		case "!=":
			return got != want
		}
		return false

	case bool:
		got, ok := actual.(bool)
		if !ok {
			return false
		}
		switch cond.Op {
		case "==":
			return got == want
		case "!=":
			return got != want
		}
		return false

	case float64:
		got, ok := toFloat(actual)
		if !ok {
			return false
		}
		switch cond.Op {
		case "==":
			return got == want
		case "!=":
			return got != want
		case ">":
			return got > want
		case ">=":
			return got >= want
		case "<":
			return got < want
		case "<=":
			return got <= want
		}
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
