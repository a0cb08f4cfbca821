package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/activator/internal/config"
	"github.com/pitabwire/activator/model"
)

const testConfig = `
identity:
  issuer: https://auth.example.com
  audience: activator
  jwks_url: https://auth.example.com/.well-known/jwks.json
services:
  profiles:
    base_url: http://profiles.internal
  billing:
    base_url: http://billing.internal
  provisioning:
    base_url: http://provisioning.internal
specs:
  directory: specs
  sources:
    - service_id: profiles
      spec_file: profiles.yaml
    - service_id: billing
      spec_file: /abs/billing.yaml
wizard:
  return_url: https://app.example.com/activate
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	return path
}

func TestRootCommand_flagsOverrideConfig(t *testing.T) {
	c := &cli{v: viper.New()}
	cmd := c.rootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"inspect", "acme", "user-1", "--config", writeConfig(t), "--port", "9191", "--log-level", "debug", "--json"})
	require.NoError(t, cmd.Execute())

	require.NotNil(t, c.cfg)
	assert.Equal(t, 9191, c.cfg.Server.Port)
	assert.Equal(t, "debug", c.cfg.Observability.LogLevel)
	assert.Contains(t, out.String(), `"step": 1`)
}

func TestRootCommand_configPortKeptWithoutFlag(t *testing.T) {
	c := &cli{v: viper.New()}
	cmd := c.rootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"inspect", "acme", "user-1", "--config", writeConfig(t), "--json"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, 8080, c.cfg.Server.Port)
	assert.Equal(t, "info", c.cfg.Observability.LogLevel)
}

func TestRootCommand_missingConfig(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"inspect", "acme", "user-1", "--config", filepath.Join(t.TempDir(), "missing.yaml")})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.yaml")
}

func TestVersionCommand_skipsConfig(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version", "--config", "/does/not/exist.yaml"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "activator dev (unknown)\n", out.String())
}

func TestMigrate_requiresPostgres(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"migrate", "--config", writeConfig(t)})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `store.driver is "memory"`)
}

func TestIsExitError(t *testing.T) {
	code, ok := isExitError(fmt.Errorf("serve: %w", &exitError{code: 3}))
	assert.True(t, ok)
	assert.Equal(t, 3, code)

	_, ok = isExitError(fmt.Errorf("plain"))
	assert.False(t, ok)
}

func TestBuildSpecSources(t *testing.T) {
	cfg, err := config.Load(writeConfig(t))
	require.NoError(t, err)

	sources := buildSpecSources(cfg)
	require.Len(t, sources, 2)
	assert.Equal(t, filepath.Join("specs", "profiles.yaml"), sources[0].SpecPath)
	assert.Equal(t, "http://profiles.internal", sources[0].BaseURL)
	assert.Equal(t, "/abs/billing.yaml", sources[1].SpecPath)
	assert.Equal(t, "http://billing.internal", sources[1].BaseURL)
}

func TestRenderSession(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	s := model.NewSession()
	s.Step = model.StepHandshake
	s.Fields.BusinessName = "Acme Plumbing"
	s.Fields.PlanTier = "pro"
	s.Consent = model.Consent{Accepted: true, AcceptedAt: &at}
	s.Checkout = model.Checkout{SessionID: "cs_1", Status: model.CheckoutVerified, VerifiedAt: &at}
	s.Deployment = model.Deployment{Status: model.DeploymentFailed, Error: "quota exceeded"}
	s.History = []model.HistoryEntry{
		{At: at.Add(time.Minute), Event: "deployment_failed"},
		{At: at, Event: "step_changed", From: model.StepActivation, To: model.StepHandshake},
	}

	out := renderSession("activator:acme:user-1", s)
	for _, want := range []string{
		"activator:acme:user-1",
		"5/6 handshake",
		"Acme Plumbing",
		"pro",
		"quota exceeded",
		"activation→handshake",
	} {
		assert.Contains(t, out, want)
	}
	assert.Less(t, strings.Index(out, "step_changed"), strings.Index(out, "deployment_failed"), "history is printed oldest first")
}
