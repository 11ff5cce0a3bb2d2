package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultChunkSizeMB         = 200
	defaultParallelism         = 4
	defaultExactCountThreshold = 100_000
	defaultValidationSample    = 10_000
	maxVarcharLength           = 16_777_216

	tokenEnvVar = "FLAKEFERRY_SNOWFLAKE_TOKEN"
)

// MigrationConfig holds the full migration configuration. It is decoded from
// TOML on the command line and from JSON on the HTTP surface.
type MigrationConfig struct {
	RunID        string       `toml:"run_id" json:"run_id,omitempty"`
	ArtifactsDir string       `toml:"artifacts_dir" json:"artifacts_dir,omitempty"`
	WorkDir      string       `toml:"work_dir" json:"work_dir,omitempty"`
	RunDeadline  string       `toml:"run_deadline" json:"run_deadline,omitempty"` // Go duration, e.g. "2h"
	Source       SourceConfig `toml:"source" json:"source"`
	Target       TargetConfig `toml:"target" json:"target"`
	Stage        StageConfig  `toml:"stage" json:"stage"`
	Preferences  Preferences  `toml:"preferences" json:"preferences"`
	Hooks        HooksConfig  `toml:"hooks" json:"hooks"`

	// configDir is the directory containing the TOML file, used to resolve relative paths.
	configDir string
	deadline  time.Duration
}

// SourceConfig identifies the source engine and how to reach it.
type SourceConfig struct {
	Type        string   `toml:"type" json:"type"` // postgres|mysql|sqlite
	DSN         string   `toml:"dsn" json:"dsn,omitempty"`
	Host        string   `toml:"host" json:"host,omitempty"`
	Port        int      `toml:"port" json:"port,omitempty"`
	Database    string   `toml:"database" json:"database,omitempty"`
	User        string   `toml:"user" json:"user,omitempty"`
	Password    string   `toml:"password" json:"password,omitempty"`
	SSLMode     string   `toml:"sslmode" json:"sslmode,omitempty"`
	SSLRootCert string   `toml:"sslrootcert" json:"sslrootcert,omitempty"`
	Schemas     []string `toml:"schemas" json:"schemas,omitempty"`
	Charset     string   `toml:"charset" json:"charset,omitempty"` // MySQL only
}

// TargetConfig describes the Snowflake account and objects to create.
type TargetConfig struct {
	Account       string `toml:"account" json:"account"`
	User          string `toml:"user" json:"user,omitempty"`
	Warehouse     string `toml:"warehouse" json:"warehouse"`
	Database      string `toml:"database" json:"database"`
	Schema        string `toml:"schema" json:"schema,omitempty"` // empty mirrors source schema names
	StageSchema   string `toml:"stage_schema" json:"stage_schema,omitempty"`
	Role          string `toml:"role" json:"role,omitempty"`
	Authenticator string `toml:"authenticator" json:"authenticator,omitempty"` // oauth|snowflake
	Token         string `toml:"token" json:"token,omitempty"`
	TokenFile     string `toml:"token_file" json:"token_file,omitempty"`
	Password      string `toml:"password" json:"password,omitempty"`
}

// StageConfig selects where chunk files are staged before COPY INTO.
type StageConfig struct {
	Type       string   `toml:"type" json:"type,omitempty"` // internal|s3
	Name       string   `toml:"name" json:"name,omitempty"`
	FileFormat string   `toml:"file_format" json:"file_format,omitempty"`
	Cleanup    bool     `toml:"cleanup" json:"cleanup,omitempty"`
	S3         S3Config `toml:"s3" json:"s3,omitempty"`
}

// S3Config configures the external stage bucket.
type S3Config struct {
	Bucket             string `toml:"bucket" json:"bucket,omitempty"`
	Prefix             string `toml:"prefix" json:"prefix,omitempty"`
	Region             string `toml:"region" json:"region,omitempty"`
	Endpoint           string `toml:"endpoint" json:"endpoint,omitempty"`
	AccessKeyID        string `toml:"access_key_id" json:"access_key_id,omitempty"`
	SecretAccessKey    string `toml:"secret_access_key" json:"secret_access_key,omitempty"`
	StorageIntegration string `toml:"storage_integration" json:"storage_integration,omitempty"`
}

// Preferences are the user-facing migration knobs.
type Preferences struct {
	Format                      string              `toml:"format" json:"format,omitempty"` // delimited|columnar
	ChunkSizeMB                 int                 `toml:"chunk_size_mb" json:"chunk_size_mb,omitempty"`
	ChunkRows                   int64               `toml:"chunk_rows" json:"chunk_rows,omitempty"`
	Parallelism                 int                 `toml:"parallelism" json:"parallelism,omitempty"`
	CaseStyle                   string              `toml:"case_style" json:"case_style,omitempty"` // upper|lower|preserve
	SnakeCaseIdentifiers        bool                `toml:"snake_case_identifiers" json:"snake_case_identifiers,omitempty"`
	UseIdentityForAutoIncrement *bool               `toml:"use_identity_for_autoincrement" json:"use_identity_for_autoincrement,omitempty"`
	DryRun                      bool                `toml:"dry_run" json:"dry_run,omitempty"`
	ClusterKeyHints             map[string][]string `toml:"cluster_key_hints" json:"cluster_key_hints,omitempty"`
	ExactCountThreshold         int64               `toml:"exact_count_threshold" json:"exact_count_threshold,omitempty"`
	ValidationSampleRows        int64               `toml:"validation_sample_rows" json:"validation_sample_rows,omitempty"`
}

// HooksConfig lists SQL files executed against the warehouse around the load.
type HooksConfig struct {
	BeforeLoad []string `toml:"before_load" json:"before_load,omitempty"`
	AfterLoad  []string `toml:"after_load" json:"after_load,omitempty"`
}

// useIdentity reports the effective use_identity_for_autoincrement value.
func (p Preferences) useIdentity() bool {
	return p.UseIdentityForAutoIncrement == nil || *p.UseIdentityForAutoIncrement
}

// chunkSizeBytes is the byte threshold for flushing a chunk.
func (p Preferences) chunkSizeBytes() int64 {
	return int64(p.ChunkSizeMB) << 20
}

// loadConfig reads a TOML config file and returns a MigrationConfig with defaults applied.
func loadConfig(path string) (*MigrationConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg MigrationConfig
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if unknown := md.Undecoded(); len(unknown) > 0 {
		keys := make([]string, len(unknown))
		for i, k := range unknown {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	cfg.configDir = filepath.Dir(absPath)

	if err := cfg.prepare(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// decodeConfigJSON parses a config submitted over HTTP. Relative paths resolve
// against the process working directory.
func decodeConfigJSON(data []byte) (*MigrationConfig, error) {
	var cfg MigrationConfig
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}
	cfg.configDir = wd
	if err := cfg.prepare(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// prepare applies defaults and validates every section.
func (c *MigrationConfig) prepare() error {
	c.applyDefaults()
	return c.validate()
}

func (c *MigrationConfig) applyDefaults() {
	if c.ArtifactsDir == "" {
		c.ArtifactsDir = "artifacts"
	}
	if len(c.Source.Schemas) == 0 {
		c.Source.Schemas = []string{"*"}
	}
	if c.Source.Type == "mysql" && c.Source.Charset == "" {
		c.Source.Charset = "utf8mb4"
	}
	if c.Source.Type == "postgres" {
		if c.Source.Port == 0 {
			c.Source.Port = 5432
		}
		if c.Source.SSLMode == "" {
			c.Source.SSLMode = "prefer"
		}
	}

	if c.Target.StageSchema == "" {
		c.Target.StageSchema = "PUBLIC"
	}
	if c.Target.Authenticator == "" {
		c.Target.Authenticator = "oauth"
	}

	if c.Stage.Type == "" {
		c.Stage.Type = "internal"
	}
	if c.Stage.Name == "" {
		c.Stage.Name = "FLAKEFERRY_STAGE"
	}

	p := &c.Preferences
	if p.Format == "" {
		p.Format = "delimited"
	}
	if c.Stage.FileFormat == "" {
		if p.Format == "columnar" {
			c.Stage.FileFormat = "FLAKEFERRY_PARQUET"
		} else {
			c.Stage.FileFormat = "FLAKEFERRY_CSV"
		}
	}
	if p.ChunkSizeMB == 0 {
		p.ChunkSizeMB = defaultChunkSizeMB
	}
	if p.Parallelism == 0 {
		p.Parallelism = defaultParallelism
	}
	if p.CaseStyle == "" {
		p.CaseStyle = "upper"
	}
	if p.ExactCountThreshold == 0 {
		p.ExactCountThreshold = defaultExactCountThreshold
	}
	if p.ValidationSampleRows == 0 {
		p.ValidationSampleRows = defaultValidationSample
	}
}

func (c *MigrationConfig) validate() error {
	switch c.Source.Type {
	case "postgres":
		if c.Source.DSN == "" && (c.Source.Host == "" || c.Source.Database == "") {
			return fmt.Errorf("source.dsn or source.host and source.database are required")
		}
	case "mysql", "sqlite":
		if c.Source.DSN == "" {
			return fmt.Errorf("source.dsn is required")
		}
	case "":
		return fmt.Errorf("source.type is required (must be postgres, mysql or sqlite)")
	default:
		return fmt.Errorf("unsupported source type %q (must be postgres, mysql or sqlite)", c.Source.Type)
	}
	if c.Source.Type != "mysql" && c.Source.Charset != "" {
		return fmt.Errorf("source.charset is a MySQL-only option")
	}
	for _, s := range c.Source.Schemas {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("source.schemas must not contain empty names")
		}
	}

	if c.Target.Account == "" {
		return fmt.Errorf("target.account is required")
	}
	if c.Target.Database == "" {
		return fmt.Errorf("target.database is required")
	}
	if c.Target.Warehouse == "" {
		return fmt.Errorf("target.warehouse is required")
	}
	switch c.Target.Authenticator {
	case "oauth":
		if c.Target.Token == "" && c.Target.TokenFile == "" && os.Getenv(tokenEnvVar) == "" && !c.Preferences.DryRun {
			return fmt.Errorf("target.token, target.token_file or %s is required for oauth", tokenEnvVar)
		}
	case "snowflake":
		if c.Target.User == "" || c.Target.Password == "" {
			return fmt.Errorf("target.user and target.password are required for authenticator=snowflake")
		}
	default:
		return fmt.Errorf("target.authenticator must be one of: oauth, snowflake")
	}

	switch c.Stage.Type {
	case "internal":
	case "s3":
		if c.Stage.S3.Bucket == "" {
			return fmt.Errorf("stage.s3.bucket is required for stage.type=s3")
		}
		if c.Stage.S3.Region == "" {
			return fmt.Errorf("stage.s3.region is required for stage.type=s3")
		}
		if c.Stage.S3.StorageIntegration == "" && c.Stage.S3.AccessKeyID == "" {
			return fmt.Errorf("stage.s3 needs storage_integration or access_key_id/secret_access_key")
		}
	default:
		return fmt.Errorf("stage.type must be one of: internal, s3")
	}

	p := c.Preferences
	switch p.Format {
	case "delimited", "columnar":
	default:
		return fmt.Errorf("preferences.format must be one of: delimited, columnar")
	}
	if p.ChunkSizeMB < 1 || p.ChunkSizeMB > 1000 {
		return fmt.Errorf("preferences.chunk_size_mb must be between 1 and 1000")
	}
	if p.ChunkRows < 0 {
		return fmt.Errorf("preferences.chunk_rows must not be negative")
	}
	if p.Parallelism < 1 || p.Parallelism > 16 {
		return fmt.Errorf("preferences.parallelism must be between 1 and 16")
	}
	switch p.CaseStyle {
	case "upper", "lower", "preserve":
	default:
		return fmt.Errorf("preferences.case_style must be one of: upper, lower, preserve")
	}
	if p.ExactCountThreshold < 0 {
		return fmt.Errorf("preferences.exact_count_threshold must not be negative")
	}
	if p.ValidationSampleRows < 0 {
		return fmt.Errorf("preferences.validation_sample_rows must not be negative")
	}
	for table, cols := range p.ClusterKeyHints {
		if len(cols) == 0 {
			return fmt.Errorf("preferences.cluster_key_hints[%q] must list at least one column", table)
		}
	}

	if c.RunDeadline != "" {
		d, err := time.ParseDuration(c.RunDeadline)
		if err != nil {
			return fmt.Errorf("run_deadline: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("run_deadline must be positive")
		}
		c.deadline = d
	}
	if c.RunID != "" && strings.ContainsAny(c.RunID, `/\`) {
		return fmt.Errorf("run_id must not contain path separators")
	}
	return nil
}

// resolvePath resolves a path relative to the config file directory.
func (c *MigrationConfig) resolvePath(p string) string {
	if filepath.IsAbs(p) || c.configDir == "" {
		return p
	}
	return filepath.Join(c.configDir, p)
}

// sourceDSN returns the connection string for the source engine.
func (c *MigrationConfig) sourceDSN() string {
	s := c.Source
	if s.DSN != "" || s.Type != "postgres" {
		return s.DSN
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(s.Host, strconv.Itoa(s.Port)),
		Path:   "/" + s.Database,
	}
	if s.User != "" {
		if s.Password != "" {
			u.User = url.UserPassword(s.User, s.Password)
		} else {
			u.User = url.User(s.User)
		}
	}
	q := url.Values{}
	q.Set("sslmode", s.SSLMode)
	if s.SSLRootCert != "" {
		q.Set("sslrootcert", c.resolvePath(s.SSLRootCert))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// targetToken resolves the OAuth token from inline config, file or environment.
func (c *MigrationConfig) targetToken() (string, error) {
	if c.Target.Token != "" {
		return c.Target.Token, nil
	}
	if c.Target.TokenFile != "" {
		data, err := os.ReadFile(c.resolvePath(c.Target.TokenFile))
		if err != nil {
			return "", fmt.Errorf("read token file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	if tok := os.Getenv(tokenEnvVar); tok != "" {
		return tok, nil
	}
	return "", fmt.Errorf("no snowflake token configured")
}

// secrets returns every credential value that must never reach a log or artifact.
func (c *MigrationConfig) secrets() []string {
	var out []string
	for _, s := range []string{
		c.Source.Password,
		c.Target.Token,
		c.Target.Password,
		c.Stage.S3.SecretAccessKey,
	} {
		if s != "" {
			out = append(out, s)
		}
	}
	if c.Source.DSN != "" {
		if u, err := url.Parse(c.Source.DSN); err == nil && u.User != nil {
			if pw, ok := u.User.Password(); ok && pw != "" {
				out = append(out, pw)
			}
		}
	}
	if tok, err := c.targetToken(); err == nil && tok != "" && tok != c.Target.Token {
		out = append(out, tok)
	}
	return out
}

// clone returns a deep copy of c, so a run never shares mutable state with
// the caller.
func (c *MigrationConfig) clone() *MigrationConfig {
	out := *c
	out.Source.Schemas = slices.Clone(c.Source.Schemas)
	out.Hooks.BeforeLoad = slices.Clone(c.Hooks.BeforeLoad)
	out.Hooks.AfterLoad = slices.Clone(c.Hooks.AfterLoad)
	if c.Preferences.UseIdentityForAutoIncrement != nil {
		v := *c.Preferences.UseIdentityForAutoIncrement
		out.Preferences.UseIdentityForAutoIncrement = &v
	}
	if c.Preferences.ClusterKeyHints != nil {
		out.Preferences.ClusterKeyHints = make(map[string][]string, len(c.Preferences.ClusterKeyHints))
		for k, v := range c.Preferences.ClusterKeyHints {
			out.Preferences.ClusterKeyHints[k] = slices.Clone(v)
		}
	}
	return &out
}

// redacted returns a copy safe to serialize into artifacts.
func (c *MigrationConfig) redacted() MigrationConfig {
	out := *c
	mask := func(s *string) {
		if *s != "" {
			*s = redactedValue
		}
	}
	mask(&out.Source.Password)
	mask(&out.Target.Token)
	mask(&out.Target.Password)
	mask(&out.Stage.S3.SecretAccessKey)
	out.Source.DSN = redactString(out.Source.DSN, c.secrets())
	return out
}
