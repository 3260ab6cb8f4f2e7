// Package options provides configuration parsing and environment variable
// handling for the directory service.
package options

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Opts holds all configuration options for the directory service: the
// administrative account, access control and operational-attribute policy,
// partition persistence, and the optional health listener.
type Opts struct {
	LogLevel zerolog.Level

	InstanceID string

	AdminDN       string
	AdminPassword string

	// AccessControlEnabled switches between prescriptive ACI evaluation and
	// the static default authorization policy.
	AccessControlEnabled bool

	// DenormalizeOpAttrs emits DN-valued operational attributes in their
	// user-provided spelling instead of the canonical form.
	DenormalizeOpAttrs bool

	// PartitionPath is the bbolt file backing the system partition; empty
	// keeps everything in memory.
	PartitionPath string

	// HealthAddr is the listen address of the health endpoint; empty
	// disables it.
	HealthAddr string

	SearchSizeLimit int64
	SearchTimeLimit time.Duration

	// TxRetryAttempts bounds the commit-conflict retry loop.
	TxRetryAttempts int
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("configuration error for %s: %s", e.Field, e.Message)
}

func envStringOrDefault(name, d string) string {
	if v, exists := os.LookupEnv(name); exists && v != "" {
		return v
	}

	return d
}

func envDurationOrDefault(name string, d time.Duration) (time.Duration, error) {
	raw := envStringOrDefault(name, d.String())

	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, ValidationError{
			Field:   name,
			Message: fmt.Sprintf("could not parse %q as duration: %v", raw, err),
		}
	}

	return v, nil
}

func envLogLevelOrDefault(name string, d zerolog.Level) (string, error) {
	raw := envStringOrDefault(name, d.String())

	if _, err := zerolog.ParseLevel(raw); err != nil {
		return "", ValidationError{
			Field:   name,
			Message: fmt.Sprintf("could not parse %q as log level: %v", raw, err),
		}
	}

	return raw, nil
}

func envBoolOrDefault(name string, d bool) (bool, error) {
	raw := envStringOrDefault(name, strconv.FormatBool(d))

	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, ValidationError{
			Field:   name,
			Message: fmt.Sprintf("could not parse %q as bool: %v", raw, err),
		}
	}

	return v, nil
}

func envIntOrDefault(name string, d int) (int, error) {
	raw := envStringOrDefault(name, strconv.Itoa(d))

	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, ValidationError{
			Field:   name,
			Message: fmt.Sprintf("could not parse %q as int: %v", raw, err),
		}
	}

	return v, nil
}

// Default returns the configuration used when nothing is overridden; the
// embedding tests build on it directly.
func Default() *Opts {
	return &Opts{
		LogLevel:        zerolog.InfoLevel,
		InstanceID:      "default",
		AdminDN:         "uid=admin,ou=system",
		AdminPassword:   "secret",
		SearchSizeLimit: 0,
		SearchTimeLimit: 0,
		TxRetryAttempts: 8,
	}
}

// Parse parses command line flags and environment variables to build the
// service configuration. It loads from .env files, parses flags, and
// validates required settings.
func Parse() (*Opts, error) {
	if err := godotenv.Load(".env.local", ".env"); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	logLevelStr, err := envLogLevelOrDefault("LOG_LEVEL", zerolog.InfoLevel)
	if err != nil {
		return nil, err
	}

	accessControl, err := envBoolOrDefault("ACCESS_CONTROL_ENABLED", false)
	if err != nil {
		return nil, err
	}

	denormalize, err := envBoolOrDefault("DENORMALIZE_OP_ATTRS", false)
	if err != nil {
		return nil, err
	}

	searchTimeLimit, err := envDurationOrDefault("SEARCH_TIME_LIMIT", 0)
	if err != nil {
		return nil, err
	}

	searchSizeLimit, err := envIntOrDefault("SEARCH_SIZE_LIMIT", 0)
	if err != nil {
		return nil, err
	}

	txRetryAttempts, err := envIntOrDefault("TX_RETRY_ATTEMPTS", 8)
	if err != nil {
		return nil, err
	}

	var (
		fLogLevel = flag.String("log-level", logLevelStr,
			"Log level. Valid values are: trace, debug, info, warn, error, fatal, panic.")

		fInstanceID = flag.String("instance-id", envStringOrDefault("INSTANCE_ID", "default"),
			"Identifier of this directory service instance.")
		fAdminDN = flag.String("admin-dn", envStringOrDefault("ADMIN_DN", "uid=admin,ou=system"),
			"Distinguished name of the administrative account.")
		fAdminPassword = flag.String("admin-password", envStringOrDefault("ADMIN_PASSWORD", "secret"),
			"Password of the administrative account.")

		fAccessControl = flag.Bool("access-control", accessControl,
			"Enable prescriptive ACI evaluation. When disabled, the static default policy applies.")
		fDenormalize = flag.Bool("denormalize-op-attrs", denormalize,
			"Emit DN-valued operational attributes in user form instead of normalized form.")

		fPartitionPath = flag.String("partition-path", envStringOrDefault("PARTITION_PATH", ""),
			"Path of the bbolt file backing the system partition. Empty keeps entries in memory.")
		fHealthAddr = flag.String("health-addr", envStringOrDefault("HEALTH_ADDR", ""),
			"Listen address of the health endpoint, e.g. :3000. Empty disables it.")

		fSearchSizeLimit = flag.Int("search-size-limit", searchSizeLimit,
			"Server-wide search size limit. Zero means unlimited.")
		fSearchTimeLimit = flag.Duration("search-time-limit", searchTimeLimit,
			"Server-wide search time limit. Zero means unlimited.")
		fTxRetryAttempts = flag.Int("tx-retry-attempts", txRetryAttempts,
			"Maximum commit attempts before a conflicting write is reported as busy.")
	)

	if !flag.Parsed() {
		flag.Parse()
	}

	logLevel, err := zerolog.ParseLevel(*fLogLevel)
	if err != nil {
		return nil, ValidationError{Field: "log-level", Message: err.Error()}
	}

	if *fAdminDN == "" {
		return nil, ValidationError{Field: "admin-dn", Message: "this option is required"}
	}
	if *fAdminPassword == "" {
		return nil, ValidationError{Field: "admin-password", Message: "this option is required"}
	}
	if *fTxRetryAttempts < 1 {
		return nil, ValidationError{Field: "tx-retry-attempts", Message: "must be at least 1"}
	}

	return &Opts{
		LogLevel: logLevel,

		InstanceID: *fInstanceID,

		AdminDN:       *fAdminDN,
		AdminPassword: *fAdminPassword,

		AccessControlEnabled: *fAccessControl,
		DenormalizeOpAttrs:   *fDenormalize,

		PartitionPath: *fPartitionPath,
		HealthAddr:    *fHealthAddr,

		SearchSizeLimit: int64(*fSearchSizeLimit),
		SearchTimeLimit: *fSearchTimeLimit,

		TxRetryAttempts: *fTxRetryAttempts,
	}, nil
}
