// Package config resolves the pipeline settings from flags, environment and an
// optional config file.
package config

import (
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"amt/internal/domain"
)

// Configuration keys. Names match the environment variables operators set.
const (
	KeyAPIURL                  = "API_URL"
	KeyAPITokenURL             = "API_URL_TOKEN"
	KeyAPIUser                 = "API_USER"
	KeyAPIPassword             = "API_PASSWORD"
	KeyAPILimit                = "API_LIMIT"
	KeyPrefixDataV             = "PREX_DATA_V"
	KeyAPIMode                 = "API_MODE"
	KeySchoolYear              = "SCHOOL_YEAR"
	KeySilverLocation          = "SILVER_DATA_LOCATION"
	KeyParquetLocation         = "PARQUET_FILES_LOCATION"
	KeyChangeVersionFilepath   = "CHANGE_VERSION_FILEPATH"
	KeyChangeVersionFilename   = "CHANGE_VERSION_FILENAME"
	KeyAvailableChangeVersions = "AVAILABLE_CHANGE_VERSIONS"
	KeyDisableChangeVersion    = "DISABLE_CHANGE_VERSION"
	KeyCertVerification        = "REQUESTS_CERT_VERIFICATION"
	KeyOSCPU                   = "OS_CPU"
	KeyLedgerPolicy            = "LEDGER_ADVANCE_POLICY"
	KeyHTTPTimeout             = "HTTP_TIMEOUT"
	KeyDescriptorMappingFile   = "DESCRIPTOR_MAPPING_FILE"
	KeyViewsDir                = "VIEWS_DIR"
	KeySchedule                = "SCHEDULE"
	KeySensorInterval          = "SENSOR_INTERVAL"
	KeyWatchStaging            = "WATCH_STAGING"
	KeyRunLogDriver            = "RUNLOG_DRIVER"
	KeyRunLogDSN               = "RUNLOG_DSN"
	KeyLogLevel                = "LOG_LEVEL"
	KeyLogFormat               = "LOG_FORMAT"
)

// YearSpecificMode is the API_MODE value enabling per-year URLs.
const YearSpecificMode = "YearSpecific"

// LedgerPolicy controls when the change-version ledger is committed.
type LedgerPolicy string

const (
	// AdvanceAlways commits as soon as the window is decided, even if
	// extraction later fails for some endpoints.
	AdvanceAlways LedgerPolicy = "always"
	// AdvanceOnSuccess commits only after every endpoint of the year staged.
	AdvanceOnSuccess LedgerPolicy = "on-success"
)

// Config holds every recognised setting.
type Config struct {
	APIURL                  string
	TokenURL                string
	User                    string
	Password                string
	Limit                   int
	PrefixDataV             string
	Scope                   domain.SchoolYearScope
	SilverLocation          string
	ParquetLocation         string
	ChangeVersionFilepath   string
	ChangeVersionFilename   string
	AvailableChangeVersions string
	DisableChangeVersion    bool
	CertVerification        bool
	Workers                 int
	LedgerPolicy            LedgerPolicy
	HTTPTimeout             time.Duration
	DescriptorMappingFile   string
	ViewsDir                string
	Schedule                string
	SensorInterval          time.Duration
	WatchStaging            bool
	RunLogDriver            string
	RunLogDSN               string
	LogLevel                string
	LogFormat               string
}

// SetDefaults registers the default value of every optional key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyAPILimit, 500)
	v.SetDefault(KeyPrefixDataV, "data/v3")
	v.SetDefault(KeyChangeVersionFilename, "changeVersion.txt")
	v.SetDefault(KeyAvailableChangeVersions, "changeQueries/v1/availableChangeVersions")
	v.SetDefault(KeyCertVerification, true)
	v.SetDefault(KeyOSCPU, runtime.NumCPU())
	v.SetDefault(KeyLedgerPolicy, string(AdvanceAlways))
	v.SetDefault(KeyHTTPTimeout, 60*time.Second)
	v.SetDefault(KeySchedule, "@hourly")
	v.SetDefault(KeySensorInterval, time.Duration(0))
	v.SetDefault(KeyRunLogDriver, "sqlite")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
}

// New returns a viper instance reading unprefixed environment variables.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load builds a Config from v and validates it. Every problem is a ConfigError.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		APIURL:                  strings.TrimRight(v.GetString(KeyAPIURL), "/"),
		TokenURL:                v.GetString(KeyAPITokenURL),
		User:                    v.GetString(KeyAPIUser),
		Password:                v.GetString(KeyAPIPassword),
		Limit:                   v.GetInt(KeyAPILimit),
		PrefixDataV:             strings.Trim(v.GetString(KeyPrefixDataV), "/"),
		SilverLocation:          v.GetString(KeySilverLocation),
		ParquetLocation:         v.GetString(KeyParquetLocation),
		ChangeVersionFilepath:   v.GetString(KeyChangeVersionFilepath),
		ChangeVersionFilename:   v.GetString(KeyChangeVersionFilename),
		AvailableChangeVersions: strings.Trim(v.GetString(KeyAvailableChangeVersions), "/"),
		DisableChangeVersion:    v.GetBool(KeyDisableChangeVersion),
		CertVerification:        v.GetBool(KeyCertVerification),
		Workers:                 v.GetInt(KeyOSCPU),
		LedgerPolicy:            LedgerPolicy(v.GetString(KeyLedgerPolicy)),
		HTTPTimeout:             v.GetDuration(KeyHTTPTimeout),
		DescriptorMappingFile:   v.GetString(KeyDescriptorMappingFile),
		ViewsDir:                v.GetString(KeyViewsDir),
		Schedule:                v.GetString(KeySchedule),
		SensorInterval:          v.GetDuration(KeySensorInterval),
		WatchStaging:            v.GetBool(KeyWatchStaging),
		RunLogDriver:            strings.ToLower(v.GetString(KeyRunLogDriver)),
		RunLogDSN:               v.GetString(KeyRunLogDSN),
		LogLevel:                v.GetString(KeyLogLevel),
		LogFormat:               v.GetString(KeyLogFormat),
	}

	if strings.EqualFold(v.GetString(KeyAPIMode), YearSpecificMode) {
		cfg.Scope = domain.YearSpecificScope(v.GetString(KeySchoolYear))
	} else {
		cfg.Scope = domain.SingleYearScope()
	}

	if cfg.RunLogDSN == "" && cfg.RunLogDriver == "sqlite" && cfg.ChangeVersionFilepath != "" {
		cfg.RunLogDSN = filepath.Join(cfg.ChangeVersionFilepath, "runs.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid or missing setting.
func (c *Config) Validate() error {
	required := []struct{ key, val string }{
		{KeyAPIURL, c.APIURL},
		{KeyAPITokenURL, c.TokenURL},
		{KeySilverLocation, c.SilverLocation},
		{KeyParquetLocation, c.ParquetLocation},
		{KeyChangeVersionFilepath, c.ChangeVersionFilepath},
	}
	for _, r := range required {
		if strings.TrimSpace(r.val) == "" {
			return domain.Errorf(domain.KindConfig, r.key, "%s is required", r.key)
		}
	}
	if c.Scope.Mode == domain.ScopeYearSpecific && len(c.Scope.Years) == 0 {
		return domain.Errorf(domain.KindConfig, KeySchoolYear, "%s must list at least one year when %s=%s", KeySchoolYear, KeyAPIMode, YearSpecificMode)
	}
	if c.Limit <= 0 {
		return domain.Errorf(domain.KindConfig, KeyAPILimit, "%s must be positive, got %d", KeyAPILimit, c.Limit)
	}
	if c.Workers <= 0 {
		return domain.Errorf(domain.KindConfig, KeyOSCPU, "%s must be positive, got %d", KeyOSCPU, c.Workers)
	}
	switch c.LedgerPolicy {
	case AdvanceAlways, AdvanceOnSuccess:
	default:
		return domain.Errorf(domain.KindConfig, KeyLedgerPolicy, "unknown ledger policy %q", c.LedgerPolicy)
	}
	switch c.RunLogDriver {
	case "sqlite", "mysql", "postgres", "mongodb", "none":
	default:
		return domain.Errorf(domain.KindConfig, KeyRunLogDriver, "unsupported run log driver %q", c.RunLogDriver)
	}
	if c.RunLogDriver != "none" && c.RunLogDSN == "" {
		return domain.Errorf(domain.KindConfig, KeyRunLogDSN, "%s is required for driver %q", KeyRunLogDSN, c.RunLogDriver)
	}
	return nil
}

// LedgerDir returns the directory of the ledger file for year.
func (c *Config) LedgerDir(year string) string {
	return filepath.Join(c.ChangeVersionFilepath, year)
}
