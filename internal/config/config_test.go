package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amt/internal/domain"
)

func baseEnv(t *testing.T) {
	t.Helper()
	t.Setenv(KeyAPIURL, "https://api.example.org/")
	t.Setenv(KeyAPITokenURL, "https://api.example.org/oauth/token")
	t.Setenv(KeySilverLocation, "/data/silver")
	t.Setenv(KeyParquetLocation, "/data/gold")
	t.Setenv(KeyChangeVersionFilepath, "/data/cv")
}

func TestLoadDefaults(t *testing.T) {
	baseEnv(t)

	cfg, err := Load(New())
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.org", cfg.APIURL)
	assert.Equal(t, 500, cfg.Limit)
	assert.Equal(t, "changeVersion.txt", cfg.ChangeVersionFilename)
	assert.Equal(t, AdvanceAlways, cfg.LedgerPolicy)
	assert.True(t, cfg.CertVerification)
	assert.Positive(t, cfg.Workers)
	assert.Equal(t, domain.SingleYearScope(), cfg.Scope)
	assert.Equal(t, "/data/cv/runs.db", cfg.RunLogDSN)
	assert.Equal(t, "/data/cv/2024", cfg.LedgerDir("2024"))
}

func TestLoadYearSpecific(t *testing.T) {
	baseEnv(t)
	t.Setenv(KeyAPIMode, "YearSpecific")
	t.Setenv(KeySchoolYear, "2023,2024")
	t.Setenv(KeyOSCPU, "3")
	t.Setenv(KeyDisableChangeVersion, "true")

	cfg, err := Load(New())
	require.NoError(t, err)
	assert.Equal(t, domain.ScopeYearSpecific, cfg.Scope.Mode)
	assert.Equal(t, []string{"2023", "2024"}, cfg.Scope.Years)
	assert.Equal(t, 3, cfg.Workers)
	assert.True(t, cfg.DisableChangeVersion)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		key  string
	}{
		{"missing api url", map[string]string{KeyAPIURL: ""}, KeyAPIURL},
		{"year specific without years", map[string]string{KeyAPIMode: "YearSpecific", KeySchoolYear: ""}, KeySchoolYear},
		{"bad limit", map[string]string{KeyAPILimit: "0"}, KeyAPILimit},
		{"bad policy", map[string]string{KeyLedgerPolicy: "sometimes"}, KeyLedgerPolicy},
		{"bad driver", map[string]string{KeyRunLogDriver: "oracle"}, KeyRunLogDriver},
		{"mysql without dsn", map[string]string{KeyRunLogDriver: "mysql"}, KeyRunLogDSN},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			baseEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(New())
			require.Error(t, err)
			assert.Equal(t, domain.KindConfig, domain.KindOf(err))
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}
