// Package config loads the forksync YAML configuration file.
//
// A file is checked against an embedded CUE schema before it is decoded,
// so typos and out-of-range values are reported with their field path.
package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// Conflict handler names.
const (
	ConflictMasterWins = "master-wins"
	ConflictMerge      = "merge"
)

// Defaults applied to fields the file leaves out.
const (
	DefaultCollection = "docs"
	DefaultIdentifier = "cli"
)

// Config describes one replication between two SQLite databases.
type Config struct {
	// Database is the SQLite file holding the fork.
	Database string `yaml:"database"`

	// Master is the SQLite file acting as master.
	Master string `yaml:"master"`

	Collection string `yaml:"collection,omitempty"`
	Identifier string `yaml:"identifier,omitempty"`

	// Live keeps the replication running until interrupted.
	Live bool `yaml:"live,omitempty"`

	// RetryTime is the wait after a failed iteration. Zero keeps the
	// engine default.
	RetryTime time.Duration `yaml:"retry_time,omitempty"`

	BatchSize     int `yaml:"batch_size,omitempty"`
	PushBatchSize int `yaml:"push_batch_size,omitempty"`
	PullBatchSize int `yaml:"pull_batch_size,omitempty"`

	// MetricsAddr, when set, serves /metrics and /healthz.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`

	// Conflict selects the conflict handler: "master-wins" or "merge".
	Conflict string `yaml:"conflict,omitempty"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse validates data against the schema and decodes it.
func Parse(data []byte) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if err := validate(raw); err != nil {
		return nil, err
	}

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills in the collection, identifier and conflict handler.
func (c *Config) ApplyDefaults() {
	if c.Collection == "" {
		c.Collection = DefaultCollection
	}
	if c.Identifier == "" {
		c.Identifier = DefaultIdentifier
	}
	if c.Conflict == "" {
		c.Conflict = ConflictMasterWins
	}
}

// Validate checks a config assembled in code or from flags.
func (c *Config) Validate() error {
	raw := map[string]any{
		"database": c.Database,
		"master":   c.Master,
		"live":     c.Live,
	}
	for key, s := range map[string]string{
		"collection":   c.Collection,
		"identifier":   c.Identifier,
		"metrics_addr": c.MetricsAddr,
		"conflict":     c.Conflict,
	} {
		if s != "" {
			raw[key] = s
		}
	}
	if c.RetryTime != 0 {
		raw["retry_time"] = c.RetryTime.String()
	}
	for key, n := range map[string]int{
		"batch_size":      c.BatchSize,
		"push_batch_size": c.PushBatchSize,
		"pull_batch_size": c.PullBatchSize,
	} {
		if n != 0 {
			raw[key] = n
		}
	}
	return validate(raw)
}

func validate(raw map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	def := schema.LookupPath(cue.ParsePath("#Config"))
	v := def.Unify(ctx.Encode(raw))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return &ValidationError{Details: cueerrors.Details(err, nil)}
	}
	return nil
}

// ValidationError reports every schema violation of a config.
type ValidationError struct {
	Details string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + e.Details
}
