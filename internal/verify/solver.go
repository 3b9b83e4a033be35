package verify

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/covenant/governor/internal/policy"
)

// The rigorous tier reduces each obligation to satisfiability of a
// conjunction of per-variable constraints: "the rule can produce the
// forbidden verdict while the property's guard holds" is sat iff some clause
// with that verdict is jointly satisfiable with the guard. The property is
// proved iff that conjunction is unsat for every clause (unsat of the
// negation). Conjunctions over independent variables decide by domain
// intersection; anything outside this fragment answers unknown rather than
// guessing.

// SolverVerdict is the solver's answer for one formula.
type SolverVerdict string

const (
	VerdictSat     SolverVerdict = "sat"
	VerdictUnsat   SolverVerdict = "unsat"
	VerdictUnknown SolverVerdict = "unknown"
)

// domain tracks what a single variable may still be.
type domain struct {
	// numeric interval
	lo, hi         float64
	loOpen, hiOpen bool
	numeric        bool

	// string/bool equalities and exclusions
	mustEqual  *string
	mustDiffer map[string]bool

	conflict bool
}

func newDomain() *domain {
	return &domain{lo: math.Inf(-1), hi: math.Inf(1), mustDiffer: make(map[string]bool)}
}

func (d *domain) constrainNumeric(op string, v float64) {
	d.numeric = true
	switch op {
	case "==":
		d.constrainNumeric(">=", v)
		d.constrainNumeric("<=", v)
	case "!=":
		// A single excluded point never empties a real interval unless the
		// interval is exactly that point.
		if d.lo == v && d.hi == v && !d.loOpen && !d.hiOpen {
			d.conflict = true
		}
	case ">":
		if v >= d.lo {
			d.lo, d.loOpen = v, true
		}
	case ">=":
		if v > d.lo {
			d.lo, d.loOpen = v, false
		}
	case "<":
		if v <= d.hi {
			d.hi, d.hiOpen = v, true
		}
	case "<=":
		if v < d.hi {
			d.hi, d.hiOpen = v, false
		}
	}
	if d.lo > d.hi {
		d.conflict = true
	}
	if d.lo == d.hi && (d.loOpen || d.hiOpen) {
		d.conflict = true
	}
}

func (d *domain) constrainDiscrete(op string, v string) {
	switch op {
	case "==":
		if d.mustEqual != nil && *d.mustEqual != v {
			d.conflict = true
			return
		}
		if d.mustDiffer[v] {
			d.conflict = true
			return
		}
		d.mustEqual = &v
	case "!=":
		if d.mustEqual != nil && *d.mustEqual == v {
			d.conflict = true
			return
		}
		d.mustDiffer[v] = true
	default:
		// Ordering over strings is outside the decidable fragment.
		d.conflict = false
	}
}

// witness produces a concrete satisfying value for the domain.
func (d *domain) witness() interface{} {
	if d.mustEqual != nil {
		return *d.mustEqual
	}
	if !d.numeric {
		// Any string not excluded.
		for i := 0; ; i++ {
			candidate := fmt.Sprintf("w%d", i)
			if !d.mustDiffer[candidate] {
				return candidate
			}
		}
	}
	lo, hi := d.lo, d.hi
	switch {
	case math.IsInf(lo, -1) && math.IsInf(hi, 1):
		return 0.0
	case math.IsInf(lo, -1):
		return hi - 1
	case math.IsInf(hi, 1):
		return lo + 1
	default:
		return (lo + hi) / 2
	}
}

// SolveConjunction decides satisfiability of a conjunction of conditions.
// Returns a witness model when sat. ctx cancellation yields unknown so the
// pipeline can map deadline to timeout.
func SolveConjunction(ctx context.Context, conds []policy.Condition) (SolverVerdict, map[string]interface{}) {
	domains := make(map[string]*domain)

	for _, cond := range conds {
		if err := ctx.Err(); err != nil {
			return VerdictUnknown, nil
		}

		d, ok := domains[cond.Field]
		if !ok {
			d = newDomain()
			domains[cond.Field] = d
		}

		switch v := cond.Value.(type) {
		case float64:
			if d.mustEqual != nil || len(d.mustDiffer) > 0 {
				// Mixed numeric/discrete constraints on one variable cannot
				// be decided in this fragment.
				return VerdictUnknown, nil
			}
			d.constrainNumeric(cond.Op, v)
		case string:
			if d.numeric {
				return VerdictUnknown, nil
			}
			d.constrainDiscrete(cond.Op, v)
		case bool:
			if d.numeric {
				return VerdictUnknown, nil
			}
			d.constrainDiscrete(cond.Op, fmt.Sprintf("%t", v))
		default:
			return VerdictUnknown, nil
		}

		if d.conflict {
			return VerdictUnsat, nil
		}
	}

	model := make(map[string]interface{}, len(domains))
	fields := make([]string, 0, len(domains))
	for f := range domains {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		model[f] = domains[f].witness()
	}
	return VerdictSat, model
}

// describeConditions renders a conjunction for proof steps.
func describeConditions(conds []policy.Condition) string {
	if len(conds) == 0 {
		return "true"
	}
	parts := make([]string, len(conds))
	for i, c := range conds {
		parts[i] = c.Raw
		if parts[i] == "" {
			parts[i] = fmt.Sprintf("%s %s %v", c.Field, c.Op, c.Value)
		}
	}
	return strings.Join(parts, " ∧ ")
}
