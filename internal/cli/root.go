// Package cli is the amt command tree.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"amt/internal/config"
	"amt/internal/domain"
)

var (
	// Version of this software, filled in by ldflags.
	Version string
	// BuildTime of this software, filled in by ldflags.
	BuildTime string
)

func setupVersionBuild() {
	if Version == "" {
		Version = "v0.0.0"
	}
	if BuildTime == "" {
		BuildTime = "not recorded"
	}
}

// configFlags maps persistent flags onto configuration keys. Every key can also
// come from the environment or the --config file.
var configFlags = []struct {
	flag, key, usage string
}{
	{"api-url", config.KeyAPIURL, "root of the data API"},
	{"api-url-token", config.KeyAPITokenURL, "token endpoint"},
	{"api-user", config.KeyAPIUser, "API client id"},
	{"api-mode", config.KeyAPIMode, "YearSpecific enables per-year URLs"},
	{"school-year", config.KeySchoolYear, "comma-separated school years"},
	{"silver", config.KeySilverLocation, "staging root"},
	{"parquet", config.KeyParquetLocation, "columnar output root"},
	{"change-version-filepath", config.KeyChangeVersionFilepath, "ledger directory"},
	{"views-dir", config.KeyViewsDir, "directory of view definitions"},
	{"descriptor-mapping", config.KeyDescriptorMappingFile, "descriptor mapping YAML"},
	{"runlog-driver", config.KeyRunLogDriver, "run history backend: sqlite|mysql|postgres|mongodb|none"},
	{"runlog-dsn", config.KeyRunLogDSN, "run history DSN or URI"},
	{"log-level", config.KeyLogLevel, "debug|info|warn|error"},
	{"log-format", config.KeyLogFormat, "text|json"},
}

// skipConfig marks commands that run without a validated configuration.
const skipConfig = "skip-config"

// NewRootCommand creates the amt command with every subcommand attached.
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	setupVersionBuild()
	v := config.New()
	var a *app

	rc := &cobra.Command{
		Use:   "amt",
		Short: "amt - Ed-Fi extraction and AMT view builder",
		Long: `Stages Ed-Fi API resources as JSON snapshots and builds the
AMT views from them as parquet files.

Version: ` + Version + `
Build Time: ` + BuildTime + "\n",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := setAllConfig(v, cmd.Flags()); err != nil {
				return domain.NewError(domain.KindConfig, "config", err)
			}
			if cmd.Annotations[skipConfig] != "" {
				return nil
			}
			logger, err := newLogger(stderr, v.GetString(config.KeyLogLevel), v.GetString(config.KeyLogFormat))
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			a, err = newApp(cfg, logger)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.Close()
		},
	}
	flags := rc.PersistentFlags()
	flags.String("config", "", "configuration file (yaml, toml or json)")
	for _, f := range configFlags {
		flags.String(f.flag, "", f.usage)
	}

	get := func() *app { return a }
	rc.AddCommand(
		newExtractCommand(get, stdout),
		newTransformCommand(get, stdout),
		newPipelineCommand(get, stdout),
		newScheduleCommand(get),
		newViewsCommand(v, stdout),
		newRunsCommand(get, stdout),
	)
	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

// setAllConfig layers the command line over the environment and an optional
// config file. Flags left unset fall through to the keys already in v.
func setAllConfig(v *viper.Viper, flags *pflag.FlagSet) error {
	if c, _ := flags.GetString("config"); c != "" {
		v.SetConfigFile(c)
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "read configuration file %q", c)
		}
	}
	for _, f := range configFlags {
		pf := flags.Lookup(f.flag)
		if pf == nil || !pf.Changed {
			continue
		}
		if err := v.BindPFlag(f.key, pf); err != nil {
			return err
		}
	}
	return nil
}

// Execute runs the command tree and returns the process exit code.
func Execute(args []string, stdout, stderr io.Writer) int {
	rc := NewRootCommand(stdout, stderr)
	rc.SetArgs(args)
	if err := rc.Execute(); err != nil {
		fmt.Fprintf(stderr, "amt: %v\n", err)
		return 1
	}
	return 0
}

// Main is the process entry point.
func Main() {
	os.Exit(Execute(os.Args[1:], os.Stdout, os.Stderr))
}

// newLogger builds the slog handler selected by LOG_LEVEL and LOG_FORMAT.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, domain.Errorf(domain.KindConfig, config.KeyLogLevel, "unknown log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, domain.Errorf(domain.KindConfig, config.KeyLogFormat, "unknown log format %q", format)
	}
}
