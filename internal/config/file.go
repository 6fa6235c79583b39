package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/sekimon/internal/anomaly"
	"github.com/ashita-ai/sekimon/internal/model"
)

// FileConfig is the structured part of the configuration that does not fit
// in environment variables.
type FileConfig struct {
	Policy     PolicyConfig      `yaml:"policy"`
	Principals []model.Principal `yaml:"principals"`
	Anomaly    AnomalyConfig     `yaml:"anomaly"`
	Webhook    WebhookConfig     `yaml:"webhook"`
}

// PolicyConfig is the approval policy table. A nil default means every
// unmatched action requires approval.
type PolicyConfig struct {
	DefaultRequiresApproval *bool    `yaml:"default_requires_approval"`
	AutoApprove             []string `yaml:"auto_approve"`
	RequireApproval         []string `yaml:"require_approval"`
}

// RequiresApprovalByDefault resolves the nil default.
func (p PolicyConfig) RequiresApprovalByDefault() bool {
	return p.DefaultRequiresApproval == nil || *p.DefaultRequiresApproval
}

// AnomalyConfig overrides built-in anomaly rules by name.
type AnomalyConfig struct {
	Rules []anomaly.Rule `yaml:"rules"`
}

// WebhookConfig configures the webhook.post executor.
type WebhookConfig struct {
	AllowedHosts []string      `yaml:"allowed_hosts"`
	Timeout      time.Duration `yaml:"timeout"`
	AllowPrivate bool          `yaml:"allow_private"`
}

// LoadFile reads and decodes the YAML file at path. Unknown keys are an
// error so a typo cannot silently drop a policy entry.
func LoadFile(path string) (FileConfig, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return FileConfig{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var fc FileConfig
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return FileConfig{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if _, err := anomaly.MergeRules(fc.Anomaly.Rules); err != nil {
		return FileConfig{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return fc, nil
}
