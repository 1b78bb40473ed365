package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
downstream:
  base_url: http://analysis.internal
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.True(t, cfg.Logging.Development)
	require.Equal(t, 30*time.Second, cfg.StatusTTL())
	require.Equal(t, time.Hour, cfg.ResultTTL())
	require.Equal(t, time.Second, cfg.SendTimeout())
	require.Equal(t, 3, cfg.CallerPolicy().MaxAttempts)
	require.Contains(t, cfg.AdmissionPolicies(), "job-creation")
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
downstream:
  base_url: http://analysis.internal
  dispatch_rps: 2.5
dedup:
  subject_scoped_kinds:
    - sentiment-trend
admission:
  job-creation:
    window_seconds: 10
    max_count: 2
    block_duration_seconds: 60
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, []string{"sentiment-trend"}, cfg.Dedup.SubjectScopedKinds)
	require.Equal(t, 2.5, cfg.DownstreamClientConfig().DispatchRPS)

	p := cfg.AdmissionPolicies()["job-creation"]
	require.Equal(t, 10*time.Second, p.WindowDuration)
	require.Equal(t, 2, p.MaxCount)
	require.Equal(t, time.Minute, p.BlockDuration)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("INSIGHTD_SERVER_PORT", "7070")

	path := writeConfig(t, `
downstream:
  base_url: http://analysis.internal
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name     string
		contents string
	}{
		{"missing downstream url", `
server:
  port: 8080
`},
		{"bad error rate", `
downstream:
  base_url: http://analysis.internal
resilience:
  error_rate_threshold: 1.5
`},
		{"admission window", `
downstream:
  base_url: http://analysis.internal
admission:
  job-creation:
    max_count: 5
    window_seconds: 0
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.contents))
			require.Error(t, err)
		})
	}
}
