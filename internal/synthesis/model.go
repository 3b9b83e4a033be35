// Package synthesis coordinates the multi-model ensemble that drafts
// constitutional rules and policy artifacts: fan-out to model backends,
// bias detection and mitigation, and consensus aggregation.
package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Role names the strategy a model plays in the ensemble.
type Role string

const (
	RolePrimaryReasoner        Role = "primary-reasoner"
	RoleConstitutionalPriority Role = "constitutional-priority"
	RoleAdversarialChecker     Role = "adversarial-checker"
)

// Response is one model's answer to a generation request.
type Response struct {
	Model      string        `json:"model"`
	Role       Role          `json:"role"`
	Content    string        `json:"content"`
	Confidence float64       `json:"confidence"`
	Compliance float64       `json:"constitutional_compliance"`
	Bias       Vector        `json:"bias_scores"`
	Latency    time.Duration `json:"latency"`
}

// Model is the uniform capability every ensemble member exposes. The
// coordinator treats members as opaque; identity and weights live in
// configuration.
type Model interface {
	Name() string
	Role() Role
	Generate(ctx context.Context, prompt string, context map[string]interface{}) (*Response, error)
}

// HTTPModel calls a model backend over its JSON generation endpoint.
type HTTPModel struct {
	name     string
	role     Role
	endpoint string
	client   *http.Client
}

// NewHTTPModel builds a backend-backed ensemble member. client may be nil.
func NewHTTPModel(name string, role Role, endpoint string, client *http.Client) *HTTPModel {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPModel{name: name, role: role, endpoint: endpoint, client: client}
}

func (m *HTTPModel) Name() string { return m.name }
func (m *HTTPModel) Role() Role   { return m.role }

// Generate posts {prompt, context} and decodes the model's response
// envelope. Latency is measured here so backends cannot misreport it.
func (m *HTTPModel) Generate(ctx context.Context, prompt string, genCtx map[string]interface{}) (*Response, error) {
	body, err := json.Marshal(struct {
		Prompt  string                 `json:"prompt"`
		Context map[string]interface{} `json:"context,omitempty"`
	}{prompt, genCtx})
	if err != nil {
		return nil, fmt.Errorf("encode generation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build generation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", m.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model %s: backend returned %d", m.name, resp.StatusCode)
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("model %s: decode response: %w", m.name, err)
	}
	out.Model = m.name
	out.Role = m.role
	out.Latency = time.Since(start)
	return &out, nil
}
