package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"specgate/internal/config"
)

func TestFromYAML(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
project:
  id: proj-1
  workflow: Delivery
policy:
  critical_actions: [commit, "transition:Review->Done"]
  approval_timeout_seconds: 30
  approvers: [alice]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Project.ID != "proj-1" || cfg.Project.Workflow != "Delivery" {
		t.Fatalf("project: %+v", cfg.Project)
	}
	if cfg.Policy.ApprovalTimeoutSeconds != 30 {
		t.Fatalf("timeout: %d", cfg.Policy.ApprovalTimeoutSeconds)
	}
	if !cfg.IsApprover("alice") || cfg.IsApprover("bob") {
		t.Fatalf("approver check wrong")
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		yaml string
		want string
	}{
		{"project:\n  workflow: W\n", "project.id"},
		{"project:\n  id: p\n", "project.workflow"},
		{"project:\n  id: p\n  workflow: W\npolicy:\n  critical_actions: [deploy]\n  approvers: [a]\n", "unknown critical action"},
		{"project:\n  id: p\n  workflow: W\npolicy:\n  critical_actions: [commit]\n", "approvers"},
		{"project:\n  id: p\n  workflow: W\npolicy:\n  approval_timeout_seconds: -1\n", "negative"},
	}
	for _, tc := range cases {
		_, err := config.FromYAML([]byte(tc.yaml))
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("yaml %q: expected error mentioning %q, got %v", tc.yaml, tc.want, err)
		}
	}
}

func TestIsCriticalFamilies(t *testing.T) {
	var cfg config.Config
	cfg.Policy.CriticalActions = []string{"commit", "transition:Review->Done"}
	if !cfg.IsCritical(config.ActionCommit("abc")) {
		t.Fatalf("bare commit entry matches every commit")
	}
	if !cfg.IsCritical(config.ActionTransition("Review", "Done")) {
		t.Fatalf("exact transition entry matches")
	}
	if cfg.IsCritical(config.ActionTransition("Draft", "Review")) {
		t.Fatalf("other transitions are routine")
	}

	cfg.Policy.CriticalActions = []string{"transition"}
	if !cfg.IsCritical(config.ActionTransition("Draft", "Review")) {
		t.Fatalf("bare transition entry matches every transition")
	}
	if cfg.IsCritical(config.ActionCommit("abc")) {
		t.Fatalf("commits stay routine")
	}
}

func TestActionLabels(t *testing.T) {
	if got := config.ActionTransition("A", "B"); got != "transition:A->B" {
		t.Fatalf("got %q", got)
	}
	if got := config.ActionCommit("c1"); got != "commit:c1" {
		t.Fatalf("got %q", got)
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault("proj-9")))
	if err != nil {
		t.Fatalf("default template must validate: %v", err)
	}
	if cfg.Project.ID != "proj-9" {
		t.Fatalf("project id: %s", cfg.Project.ID)
	}
	if !cfg.IsCritical(config.ActionCommit("x")) {
		t.Fatalf("default policy marks commits critical")
	}
}

func TestLoadFromWorkspace(t *testing.T) {
	dir := t.TempDir()
	if _, err := config.Load(dir); err == nil || !strings.Contains(err.Error(), "sg init") {
		t.Fatalf("missing config should hint at sg init, got %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "specgate.yml"), []byte(config.GenerateDefault("p")), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Project.ID != "p" {
		t.Fatalf("project id: %s", cfg.Project.ID)
	}

	opt, err := config.LoadOptional(t.TempDir())
	if err != nil || opt != nil {
		t.Fatalf("optional load of absent config returns nil, got %v %v", opt, err)
	}
}
