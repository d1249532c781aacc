// Package config loads service settings from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime settings of the API process.
type Config struct {
	Port string

	LogLevel  string
	LogFormat string
	LogSource bool

	WorkDir        string
	CleanupWorkDir bool
	MaxUploadBytes int64

	Storage StorageConfig
	Redis   RedisConfig
	JobTTL  time.Duration

	Converter ConverterConfig

	CORSAllowedOrigins []string
	ShutdownTimeout    time.Duration
}

// StorageConfig selects and configures the object storage provider.
type StorageConfig struct {
	Provider  string
	LocalRoot string

	GDriveClientID     string
	GDriveClientSecret string
	GDriveRefreshToken string
	GDriveFolderID     string
}

// RedisConfig enables the shared job store when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a Redis address was configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// ConverterConfig describes the external geometry-to-SVG executable.
type ConverterConfig struct {
	Bin           string
	Timeout       time.Duration
	ViewArgs      bool
	MaxConcurrent int
}

// Load reads the environment, applies defaults and validates the result.
func Load() (Config, error) {
	var errs []string
	fail := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	cfg := Config{
		Port:      Env("PORT", "8000"),
		LogLevel:  Env("LOG_LEVEL", "info"),
		LogFormat: Env("LOG_FORMAT", "json"),
		WorkDir:   Env("WORK_DIR", filepath.Join(os.TempDir(), "polysvg")),
		Storage: StorageConfig{
			Provider:           strings.ToLower(Env("STORAGE_PROVIDER", "localfs")),
			LocalRoot:          Env("STORAGE_LOCAL_ROOT", "./data"),
			GDriveClientID:     Env("GDRIVE_CLIENT_ID", ""),
			GDriveClientSecret: Env("GDRIVE_CLIENT_SECRET", ""),
			GDriveRefreshToken: Env("GDRIVE_REFRESH_TOKEN", ""),
			GDriveFolderID:     Env("GDRIVE_FOLDER_ID", ""),
		},
		Redis: RedisConfig{
			Addr:     Env("REDIS_ADDR", ""),
			Password: Env("REDIS_PASSWORD", ""),
		},
		Converter: ConverterConfig{
			Bin: Env("CONVERTER_BIN", "./poly"),
		},
	}

	var err error
	cfg.LogSource, err = BoolEnv("LOG_SOURCE", false)
	fail(err)
	cfg.CleanupWorkDir, err = BoolEnv("CLEANUP_WORK_DIR", true)
	fail(err)
	cfg.Converter.ViewArgs, err = BoolEnv("CONVERTER_VIEW_ARGS", false)
	fail(err)

	cfg.Redis.DB, err = IntEnv("REDIS_DB", 0)
	fail(err)
	cfg.Converter.MaxConcurrent, err = IntEnv("CONVERTER_MAX_CONCURRENT", 2)
	fail(err)

	maxUpload, err := IntEnv("MAX_UPLOAD_BYTES", 64<<20)
	fail(err)
	cfg.MaxUploadBytes = int64(maxUpload)

	cfg.JobTTL, err = DurationEnv("JOB_TTL", 24*time.Hour)
	fail(err)
	cfg.Converter.Timeout, err = DurationEnv("CONVERTER_TIMEOUT", 30*time.Second)
	fail(err)
	cfg.ShutdownTimeout, err = DurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second)
	fail(err)

	cfg.CORSAllowedOrigins = ListEnv("CORS_ALLOWED_ORIGINS", []string{"*"})

	fail(cfg.validate())

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}

	// The converter runs with the job workdir as cwd, so a relative path
	// has to be pinned to the process cwd now.
	if strings.ContainsRune(cfg.Converter.Bin, filepath.Separator) && !filepath.IsAbs(cfg.Converter.Bin) {
		abs, err := filepath.Abs(cfg.Converter.Bin)
		if err != nil {
			return Config{}, fmt.Errorf("resolve CONVERTER_BIN: %w", err)
		}
		cfg.Converter.Bin = abs
	}

	return cfg, nil
}

func (c Config) validate() error {
	var problems []string

	if c.Converter.Timeout <= 0 {
		problems = append(problems, "CONVERTER_TIMEOUT must be positive")
	}
	if c.Converter.MaxConcurrent < 1 {
		problems = append(problems, "CONVERTER_MAX_CONCURRENT must be at least 1")
	}
	if c.MaxUploadBytes <= 0 {
		problems = append(problems, "MAX_UPLOAD_BYTES must be positive")
	}
	if c.JobTTL <= 0 {
		problems = append(problems, "JOB_TTL must be positive")
	}

	switch c.Storage.Provider {
	case "localfs":
		if c.Storage.LocalRoot == "" {
			problems = append(problems, "STORAGE_LOCAL_ROOT is required for localfs")
		}
	case "gdrive":
		for k, v := range map[string]string{
			"GDRIVE_CLIENT_ID":     c.Storage.GDriveClientID,
			"GDRIVE_CLIENT_SECRET": c.Storage.GDriveClientSecret,
			"GDRIVE_REFRESH_TOKEN": c.Storage.GDriveRefreshToken,
		} {
			if v == "" {
				problems = append(problems, k+" is required for gdrive")
			}
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown STORAGE_PROVIDER %q", c.Storage.Provider))
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%s", strings.Join(problems, "; "))
}

// Env returns the trimmed value of k, or def when unset or blank.
func Env(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}

// MustEnv returns the value of k and panics when it is missing.
func MustEnv(k string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		panic("missing env: " + k)
	}
	return v
}

func BoolEnv(k string, def bool) (bool, error) {
	v := Env(k, "")
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%s: %q is not a boolean", k, v)
	}
	return b, nil
}

func IntEnv(k string, def int) (int, error) {
	v := Env(k, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %q is not an integer", k, v)
	}
	return n, nil
}

// DurationEnv accepts Go durations ("45s") or a bare number of seconds.
func DurationEnv(k string, def time.Duration) (time.Duration, error) {
	v := Env(k, "")
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s: %q is not a duration", k, v)
	}
	return d, nil
}

// ListEnv splits a comma separated value, dropping empty items.
func ListEnv(k string, def []string) []string {
	v := Env(k, "")
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
