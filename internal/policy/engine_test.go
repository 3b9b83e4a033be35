package policy

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant/governor/internal/cache"
	"github.com/covenant/governor/internal/core"
)

const testIdentifier = "a1b2c3d4e5f60718"

func ruleSource(pkg string, body string) RuleSource {
	return RuleSource{
		Name: pkg + ".rule",
		Source: fmt.Sprintf(`package %s
# constitutional: %s
default review

%s`, pkg, testIdentifier, body),
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	store, err := OpenBundleStore(t.TempDir())
	require.NoError(t, err)
	decisions := cache.NewTiered(128, nil, testIdentifier, time.Minute, nil, nil)
	t.Cleanup(func() { decisions.Close() })
	return NewEngine(NewCompiler(testIdentifier), store, decisions, nil, nil, nil, testIdentifier, time.Minute)
}

func stageAndActivate(t *testing.T, e *Engine, version string, sources ...RuleSource) string {
	t.Helper()
	id, result, err := e.StageBundle(version, sources)
	require.NoError(t, err, "compilation: %+v", result)
	require.NoError(t, e.Activate(context.Background(), id))
	return id
}

// ============================================================================
// PARSER / COMPILER
// ============================================================================

func TestParseRule_FullGrammar(t *testing.T) {
	rule, errs := ParseRule(`package payments
# constitutional: a1b2c3d4e5f60718
default deny

allow {
    compliance >= 0.95
    risk == "low"
}

review {
    compliance < 0.8
}`)
	require.Empty(t, errs)
	assert.Equal(t, "payments", rule.Package)
	assert.Equal(t, testIdentifier, rule.Identifier)
	assert.Equal(t, core.VerdictDeny, rule.Default)
	require.Len(t, rule.Clauses, 2)
	assert.Len(t, rule.Clauses[0].Conditions, 2)
	assert.Equal(t, core.VerdictRequireReview, rule.Clauses[1].Verdict)
}

func TestParseRule_UnbalancedBraces(t *testing.T) {
	_, errs := ParseRule(`package p
# constitutional: a1b2c3d4e5f60718
default review
allow {
    compliance >= 0.9`)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[len(errs)-1], "unbalanced braces")
}

func TestCompile_SemanticChecks(t *testing.T) {
	c := NewCompiler(testIdentifier)

	_, result, _ := c.Compile("v1", []RuleSource{
		ruleSource("alpha", "allow {\n    x >= 1\n}"),
		ruleSource("alpha", "deny {\n    x < 1\n}"), // duplicate package
		{Name: "naked.rule", Source: "default review\nallow {\n    x >= 1\n}"}, // no package, no marker
	})

	assert.False(t, result.Valid())
	require.Len(t, result.Rules, 3)
	assert.True(t, result.Rules[0].Valid)
	assert.False(t, result.Rules[1].Valid)
	assert.False(t, result.Rules[2].Valid)
	assert.InDelta(t, 1.0/3.0, result.Score, 1e-9)
}

func TestCompile_WrongIdentifierRejected(t *testing.T) {
	c := NewCompiler(testIdentifier)
	_, result, _ := c.Compile("v1", []RuleSource{{
		Name: "evil.rule",
		Source: `package evil
# constitutional: ffffffffffffffff
default review
allow {
    x >= 0
}`,
	}})
	assert.False(t, result.Valid())
	assert.Contains(t, result.Rules[0].Errors[0], "identifier mismatch")
}

func TestCompile_EmptyBundleSucceeds(t *testing.T) {
	c := NewCompiler(testIdentifier)
	manifest, result, rules := c.Compile("v1", nil)
	assert.True(t, result.Valid())
	assert.Equal(t, 1.0, result.Score)
	assert.Empty(t, rules)
	assert.NotEmpty(t, manifest.Digest)
}

// ============================================================================
// BUNDLE STORE
// ============================================================================

func TestBundleStore_StageLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenBundleStore(dir)
	require.NoError(t, err)

	c := NewCompiler(testIdentifier)
	sources := []RuleSource{ruleSource("payments", "allow {\n    compliance >= 0.95\n}")}
	manifest, result, _ := c.Compile("v1", sources)
	require.True(t, result.Valid())

	id, err := store.Stage(manifest, sources)
	require.NoError(t, err)

	loaded, err := store.Load(id)
	require.NoError(t, err)
	assert.Equal(t, sources[0].Source, loaded.Sources[0].Source, "bundle content must round-trip byte-identical")

	// compile → archive → load → compile yields the same manifest digest.
	manifest2, _, _ := c.Compile("v1", loaded.Sources)
	assert.Equal(t, manifest.Digest, manifest2.Digest)
	assert.Equal(t, BundlePending, loaded.State)
}

func TestBundleStore_ExactlyOneActive(t *testing.T) {
	store, err := OpenBundleStore(t.TempDir())
	require.NoError(t, err)
	c := NewCompiler(testIdentifier)

	var ids []string
	for _, v := range []string{"v1", "v2", "v3"} {
		sources := []RuleSource{ruleSource("pkg"+v, "allow {\n    x >= 1\n}")}
		manifest, _, _ := c.Compile(v, sources)
		id, err := store.Stage(manifest, sources)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids {
		_, err := store.Activate(id)
		require.NoError(t, err)

		active := 0
		for _, st := range store.List() {
			if st == BundleActive {
				active++
			}
		}
		assert.Equal(t, 1, active, "exactly one bundle active after each swap")
	}
	assert.Equal(t, ids[2], store.ActiveID())
}

// ============================================================================
// EVALUATION
// ============================================================================

func TestEvaluate_MostSpecificWins(t *testing.T) {
	e := newTestEngine(t)
	stageAndActivate(t, e, "v1", ruleSource("gates", `allow {
    compliance >= 0.9
}

deny {
    compliance >= 0.9
    risk == "critical"
}`))

	rec, err := e.Evaluate(context.Background(), Request{
		Kind:       core.KindRule,
		Identifier: testIdentifier,
		Attributes: map[string]interface{}{"compliance": 0.97, "risk": "critical"},
	})
	require.NoError(t, err)
	assert.Equal(t, core.VerdictDeny, rec.Verdict, "two-condition clause beats one-condition clause")
	assert.Equal(t, "gates#1", rec.WinningRule)
	assert.Len(t, rec.SupportingIDs, 2)
}

func TestEvaluate_DefaultVerdictOnNoMatch(t *testing.T) {
	e := newTestEngine(t)
	stageAndActivate(t, e, "v1", ruleSource("gates", "allow {\n    compliance >= 0.95\n}"))

	rec, err := e.Evaluate(context.Background(), Request{
		Kind:       core.KindRule,
		Identifier: testIdentifier,
		Attributes: map[string]interface{}{"compliance": 0.5},
	})
	require.NoError(t, err)
	assert.Equal(t, core.VerdictRequireReview, rec.Verdict)
	assert.Empty(t, rec.WinningRule)
}

func TestEvaluate_IdentifierMismatch(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Evaluate(context.Background(), Request{
		Kind:       core.KindRule,
		Identifier: "ffffffffffffffff",
		Attributes: map[string]interface{}{},
	})
	require.Error(t, err)
	assert.Equal(t, core.ErrConstitutionalMismatch, core.KindOf(err))
}

func TestEvaluate_CachedDecisionReturned(t *testing.T) {
	e := newTestEngine(t)
	stageAndActivate(t, e, "v1", ruleSource("gates", "allow {\n    compliance >= 0.9\n}"))

	req := Request{
		Kind:       core.KindRule,
		Identifier: testIdentifier,
		Attributes: map[string]interface{}{"compliance": 0.95},
	}
	first, err := e.Evaluate(context.Background(), req)
	require.NoError(t, err)

	second, err := e.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.Digest, second.Digest)
	assert.Equal(t, first.CreatedAt.Unix(), second.CreatedAt.Unix(), "second evaluation must come from cache")
}

func TestRollback_RestoresPriorBundle(t *testing.T) {
	e := newTestEngine(t)
	v1 := stageAndActivate(t, e, "v1", ruleSource("one", "allow {\n    x >= 1\n}"))
	stageAndActivate(t, e, "v2", ruleSource("two", "deny {\n    x >= 1\n}"))

	req := Request{Kind: core.KindRule, Identifier: testIdentifier, Attributes: map[string]interface{}{"x": 2.0}}
	rec, err := e.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, core.VerdictDeny, rec.Verdict)

	require.NoError(t, e.Rollback(context.Background(), v1))
	assert.Equal(t, v1, e.ActiveBundleID())

	// Decisions are keyed by bundle id, so the v2 cache entry cannot leak
	// into the rolled-back bundle.
	rec, err = e.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, core.VerdictAllow, rec.Verdict)
}

func TestEvaluate_EmptyBundleServesDefault(t *testing.T) {
	e := newTestEngine(t)

	// No activation at all: bootstrap bundle answers require-review.
	rec, err := e.Evaluate(context.Background(), Request{
		Kind:       core.KindPolicy,
		Identifier: testIdentifier,
		Attributes: map[string]interface{}{"anything": 1.0},
	})
	require.NoError(t, err)
	assert.Equal(t, core.VerdictRequireReview, rec.Verdict)
}
