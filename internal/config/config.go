// Package config loads the pipeline configuration record.
//
// Settings are resolved in order: command-line flags, the config file (YAML
// or HCL), THUMBSTACK_* environment variables (optionally from a .env file),
// then the variant preset.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/joho/godotenv"
	"github.com/zclconf/go-cty/cty"
	"gopkg.in/yaml.v3"

	"github.com/lex00/thumbstack-go/internal/stack"
)

// Environment variables read when the config file leaves a setting unset.
const (
	EnvRegion    = "THUMBSTACK_REGION"
	EnvStackName = "THUMBSTACK_STACK_NAME"
	EnvLogLevel  = "THUMBSTACK_LOG_LEVEL"
	EnvLogFormat = "THUMBSTACK_LOG_FORMAT"
)

// File is the on-disk configuration. Unset fields keep the preset value.
type File struct {
	Variant          string  `yaml:"variant" hcl:"variant,optional"`
	StackName        *string `yaml:"stack_name" hcl:"stack_name,optional"`
	Region           *string `yaml:"region" hcl:"region,optional"`
	ThumbnailSize    *int    `yaml:"thumbnail_size" hcl:"thumbnail_size,optional"`
	Runtime          *string `yaml:"runtime" hcl:"runtime,optional"`
	TimeoutSeconds   *int    `yaml:"timeout_seconds" hcl:"timeout_seconds,optional"`
	LayerARN         *string `yaml:"layer_arn" hcl:"layer_arn,optional"`
	CodePath         *string `yaml:"code_path" hcl:"code_path,optional"`
	BucketPrefix     *string `yaml:"bucket_prefix" hcl:"bucket_prefix,optional"`
	Table            *bool   `yaml:"table" hcl:"table,optional"`
	ListingAPI       *bool   `yaml:"listing_api" hcl:"listing_api,optional"`
	Notification     *bool   `yaml:"notification" hcl:"notification,optional"`
	WildcardS3Policy *bool   `yaml:"wildcard_s3_policy" hcl:"wildcard_s3_policy,optional"`
	LogLevel         *string `yaml:"log_level" hcl:"log_level,optional"`
	LogFormat        *string `yaml:"log_format" hcl:"log_format,optional"`
}

// Config is the resolved configuration.
type Config struct {
	Variant   stack.Variant
	Pipeline  stack.PipelineConfig
	LogLevel  string
	LogFormat string
}

// Parse decodes a config file. The format is chosen by the extension of
// filename: .yaml, .yml or .hcl.
func Parse(data []byte, filename string) (*File, error) {
	var f File
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", filename, err)
		}
	case ".hcl":
		parser := hclparse.NewParser()
		file, diags := parser.ParseHCL(data, filename)
		if diags.HasErrors() {
			return nil, fmt.Errorf("parsing %s: %s", filename, diags.Error())
		}
		if diags := gohcl.DecodeBody(file.Body, evalContext(), &f); diags.HasErrors() {
			return nil, fmt.Errorf("decoding %s: %s", filename, diags.Error())
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q (want .yaml, .yml or .hcl)", ext)
	}
	return &f, nil
}

// evalContext exposes the process environment to HCL expressions as env.NAME.
func evalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			continue
		}
		vars[name] = cty.StringVal(value)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(vars),
		},
	}
}

// envApplied holds the values LoadEnvFile last set, so a reload can replace
// them while leaving variables from the process environment alone.
var (
	envMu      sync.Mutex
	envApplied = map[string]string{}
)

// LoadEnvFile loads a .env file into the process environment without
// overriding variables set outside it. Values it set on an earlier call are
// refreshed, and unset when the file no longer defines them. A missing file
// is not an error.
func LoadEnvFile(path string) error {
	values := map[string]string{}
	if _, err := os.Stat(path); err == nil {
		if values, err = godotenv.Read(path); err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}

	envMu.Lock()
	defer envMu.Unlock()

	owned := func(key string) bool {
		cur, set := os.LookupEnv(key)
		prev, ok := envApplied[key]
		return !set || (ok && cur == prev)
	}
	for key := range envApplied {
		if _, ok := values[key]; ok {
			continue
		}
		if owned(key) {
			if err := os.Unsetenv(key); err != nil {
				return err
			}
		}
		delete(envApplied, key)
	}
	for key, v := range values {
		if !owned(key) {
			delete(envApplied, key)
			continue
		}
		if err := os.Setenv(key, v); err != nil {
			return err
		}
		envApplied[key] = v
	}
	return nil
}

// Load resolves the configuration. path may be empty, in which case only the
// environment and the preset apply. A non-empty variant overrides the file.
// The .env file next to path (or in the working directory) is loaded first.
func Load(path, variant string) (*Config, error) {
	envFile := ".env"
	if path != "" {
		envFile = filepath.Join(filepath.Dir(path), ".env")
	}
	if err := LoadEnvFile(envFile); err != nil {
		return nil, err
	}

	f := &File{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if f, err = Parse(data, path); err != nil {
			return nil, err
		}
	}
	if variant != "" {
		f.Variant = variant
	}
	return Resolve(f)
}

// Resolve applies f and the environment on top of the selected preset.
func Resolve(f *File) (*Config, error) {
	v := stack.Variant(f.Variant)
	if v == "" {
		v = stack.VariantFull
	}
	p, err := stack.Preset(v)
	if err != nil {
		return nil, err
	}

	setString(&p.Name, f.StackName, EnvStackName)
	setString(&p.Region, f.Region, EnvRegion)
	if f.ThumbnailSize != nil {
		p.ThumbnailSize = *f.ThumbnailSize
	}
	if f.Runtime != nil {
		p.Runtime = stack.Runtime(*f.Runtime)
	}
	if f.TimeoutSeconds != nil {
		p.Timeout = time.Duration(*f.TimeoutSeconds) * time.Second
	}
	setString(&p.LayerARN, f.LayerARN, "")
	setString(&p.CodePath, f.CodePath, "")
	setString(&p.BucketPrefix, f.BucketPrefix, "")
	setBool(&p.Table, f.Table)
	setBool(&p.ListingAPI, f.ListingAPI)
	setBool(&p.Notification, f.Notification)
	setBool(&p.WildcardS3Policy, f.WildcardS3Policy)

	if err := p.Validate(); err != nil {
		return nil, err
	}

	cfg := &Config{
		Variant:   v,
		Pipeline:  p,
		LogLevel:  "info",
		LogFormat: "text",
	}
	setString(&cfg.LogLevel, f.LogLevel, EnvLogLevel)
	setString(&cfg.LogFormat, f.LogFormat, EnvLogFormat)
	return cfg, nil
}

func setString(dst *string, file *string, env string) {
	if file != nil {
		*dst = *file
		return
	}
	if env == "" {
		return
	}
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, file *bool) {
	if file != nil {
		*dst = *file
	}
}
