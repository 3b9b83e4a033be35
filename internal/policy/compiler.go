package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// RuleSource is one named rule text handed to the compiler.
type RuleSource struct {
	Name   string `json:"name"`
	Source string `json:"source"`
}

// RuleResult is the per-rule compilation outcome.
type RuleResult struct {
	Name    string   `json:"name"`
	Package string   `json:"package"`
	Valid   bool     `json:"valid"`
	Errors  []string `json:"errors,omitempty"`
	Digest  string   `json:"digest"`
	Clauses int      `json:"clauses"`
}

// CompilationResult aggregates per-rule validity and an overall score.
type CompilationResult struct {
	Rules []RuleResult `json:"rules"`
	Score float64      `json:"score"` // valid rules / total rules, 1.0 for empty input
}

// Valid reports whether every rule compiled cleanly.
func (r *CompilationResult) Valid() bool {
	for _, rr := range r.Rules {
		if !rr.Valid {
			return false
		}
	}
	return true
}

// ManifestFile is one entry in the bundle inventory.
type ManifestFile struct {
	Name    string `json:"name"`
	Digest  string `json:"digest"`
	Package string `json:"package"`
}

// Manifest enumerates the bundle contents. The manifest digest is the
// content address of the bundle.
type Manifest struct {
	Version      string         `json:"version"`
	Files        []ManifestFile `json:"files"`
	FrameworkMix map[string]int `json:"framework_mix"` // verdict kind -> clause count
	Digest       string         `json:"digest"`
	Identifier   string         `json:"constitutional_identifier"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Compiler performs pure compilation: parse, syntactic validation, and
// semantic checks. No global state; the engine stages and activates.
type Compiler struct {
	identifier string
}

// NewCompiler builds a compiler bound to the constitutional identifier it
// requires every rule to carry.
func NewCompiler(identifier string) *Compiler {
	return &Compiler{identifier: identifier}
}

// Compile parses and validates rule sources, returning the manifest and the
// per-rule results. An empty source set compiles successfully with zero
// rules. Compilation never partially activates anything.
func (c *Compiler) Compile(version string, sources []RuleSource) (Manifest, CompilationResult, []*Rule) {
	result := CompilationResult{Score: 1.0}
	manifest := Manifest{
		Version:      version,
		FrameworkMix: make(map[string]int),
		Identifier:   c.identifier,
		CreatedAt:    time.Now().UTC(),
	}

	var rules []*Rule
	packages := make(map[string]string) // package -> file name

	valid := 0
	for _, src := range sources {
		rule, parseErrs := ParseRule(src.Source)
		rr := RuleResult{
			Name:    src.Name,
			Package: rule.Package,
			Digest:  digestString(src.Source),
			Clauses: len(rule.Clauses),
			Errors:  parseErrs,
		}

		// Structural checks.
		if rule.Package == "" {
			rr.Errors = append(rr.Errors, "missing package declaration")
		}
		if rule.Default == "" {
			rr.Errors = append(rr.Errors, "missing default verdict")
		}
		if len(rule.Clauses) == 0 {
			rr.Errors = append(rr.Errors, "no decision clauses")
		}

		// Semantic checks.
		if rule.Identifier == "" {
			rr.Errors = append(rr.Errors, "missing constitutional identifier marker")
		} else if rule.Identifier != c.identifier {
			rr.Errors = append(rr.Errors, fmt.Sprintf("constitutional identifier mismatch: %s", rule.Identifier))
		}
		if prev, dup := packages[rule.Package]; dup && rule.Package != "" {
			rr.Errors = append(rr.Errors, fmt.Sprintf("duplicate package %q (also in %s)", rule.Package, prev))
		} else if rule.Package != "" {
			packages[rule.Package] = src.Name
		}

		rr.Valid = len(rr.Errors) == 0
		if rr.Valid {
			valid++
			rules = append(rules, rule)
			for _, cl := range rule.Clauses {
				manifest.FrameworkMix[string(cl.Verdict)]++
			}
		}
		result.Rules = append(result.Rules, rr)
		manifest.Files = append(manifest.Files, ManifestFile{
			Name:    src.Name,
			Digest:  rr.Digest,
			Package: rule.Package,
		})
	}

	if len(sources) > 0 {
		result.Score = float64(valid) / float64(len(sources))
	}
	manifest.Digest = manifestDigest(manifest)
	return manifest, result, rules
}

// manifestDigest content-addresses the bundle: version plus the sorted
// per-file digests.
func manifestDigest(m Manifest) string {
	h := sha256.New()
	h.Write([]byte(m.Version))
	h.Write([]byte(m.Identifier))

	names := make([]string, 0, len(m.Files))
	byName := make(map[string]string, len(m.Files))
	for _, f := range m.Files {
		names = append(names, f.Name)
		byName[f.Name] = f.Digest
	}
	sort.Strings(names)
	for _, n := range names {
		h.Write([]byte(n))
		h.Write([]byte(byName[n]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func digestString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
