package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// LoadOptions controls how configs are loaded
type LoadOptions struct {
	// StrictVersion fails if config version doesn't match current
	StrictVersion bool

	// SkipDefaults leaves omitted blocks nil instead of filling them in
	SkipDefaults bool
}

// DefaultLoadOptions returns sensible defaults for loading configs
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{}
}

// LoadResult contains the loaded config and metadata about the load
type LoadResult struct {
	Config   *Config
	Version  SchemaVersion
	Warnings []string
}

// LoadFile loads a config file (HCL or JSON) with version handling
func LoadFile(path string) (*Config, error) {
	result, err := LoadFileWithOptions(path, DefaultLoadOptions())
	if err != nil {
		return nil, err
	}
	return result.Config, nil
}

// LoadFileWithOptions loads a config file with explicit options
func LoadFileWithOptions(path string, opts LoadOptions) (*LoadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".hcl":
		return LoadHCLWithOptions(data, path, opts)
	case ".json":
		return LoadJSONWithOptions(data, opts)
	default:
		// Try HCL first, fall back to JSON
		result, err := LoadHCLWithOptions(data, path, opts)
		if err != nil {
			return LoadJSONWithOptions(data, opts)
		}
		return result, nil
	}
}

// LoadHCL loads config from HCL bytes
func LoadHCL(data []byte, filename string) (*Config, error) {
	result, err := LoadHCLWithOptions(data, filename, DefaultLoadOptions())
	if err != nil {
		return nil, err
	}
	return result.Config, nil
}

// LoadHCLWithOptions loads HCL with explicit options
func LoadHCLWithOptions(data []byte, filename string, opts LoadOptions) (*LoadResult, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("HCL parse error: %s", diags.Error())
	}

	// First, extract just the version to determine which parser to use
	var versionProbe struct {
		SchemaVersion string   `hcl:"schema_version,optional"`
		Remain        hcl.Body `hcl:",remain"`
	}
	_ = gohcl.DecodeBody(file.Body, nil, &versionProbe)

	version, err := checkVersion(versionProbe.SchemaVersion, opts)
	if err != nil {
		return nil, err
	}

	cfg, err := parseHCLVersion(file, version)
	if err != nil {
		return nil, err
	}
	return finish(cfg, version, opts), nil
}

// parseHCLVersion parses HCL using the appropriate schema for the version
func parseHCLVersion(file *hcl.File, version SchemaVersion) (*Config, error) {
	switch version.Major {
	case 1:
		return parseHCLv1(file)
	default:
		return nil, fmt.Errorf("no parser for schema version %s", version)
	}
}

func parseHCLv1(file *hcl.File) (*Config, error) {
	var cfg Config
	diags := gohcl.DecodeBody(file.Body, nil, &cfg)
	if diags.HasErrors() {
		return nil, fmt.Errorf("HCL decode error: %s", diags.Error())
	}
	return &cfg, nil
}

// LoadJSON loads config from JSON bytes
func LoadJSON(data []byte) (*Config, error) {
	result, err := LoadJSONWithOptions(data, DefaultLoadOptions())
	if err != nil {
		return nil, err
	}
	return result.Config, nil
}

// LoadJSONWithOptions loads JSON with explicit options
func LoadJSONWithOptions(data []byte, opts LoadOptions) (*LoadResult, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("JSON parse error: %w", err)
	}

	version, err := checkVersion(cfg.SchemaVersion, opts)
	if err != nil {
		return nil, err
	}
	return finish(&cfg, version, opts), nil
}

func checkVersion(declared string, opts LoadOptions) (SchemaVersion, error) {
	version, err := ParseVersion(declared)
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("invalid schema version: %w", err)
	}
	if !IsSupportedVersion(version) {
		return SchemaVersion{}, fmt.Errorf("unsupported config schema version %s (supported: %v)",
			version, SupportedVersions)
	}
	current, _ := ParseVersion(CurrentSchemaVersion)
	if opts.StrictVersion && version.Compare(current) != 0 {
		return SchemaVersion{}, fmt.Errorf("config version %s does not match current version %s",
			version, current)
	}
	return version, nil
}

func finish(cfg *Config, version SchemaVersion, opts LoadOptions) *LoadResult {
	result := &LoadResult{Config: cfg, Version: version}

	current, _ := ParseVersion(CurrentSchemaVersion)
	if version.Compare(current) > 0 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("config schema %s is newer than %s", version, current))
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = version.String()
	}
	if !opts.SkipDefaults {
		cfg.ApplyDefaults()
	}
	return result
}

// SaveFile saves config to a file (format determined by extension)
func SaveFile(cfg *Config, path string) error {
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = CurrentSchemaVersion
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		return SaveJSON(cfg, path)
	default:
		return SaveHCL(cfg, path)
	}
}

// SaveJSON saves config as JSON
func SaveJSON(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return writeFile(path, data)
}

// SaveHCL saves config as HCL using hclwrite for formatting
func SaveHCL(cfg *Config, path string) error {
	return writeFile(path, GenerateHCL(cfg))
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
