package trace

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML shape accepted by LoadOptions. All fields are
// optional; zero values defer to Options defaults.
//
//	tract_id: assistant-session
//	db: ~/.trace/context.db
//	counter_encoding: cl100k_base
//	cache_size: 512
//	budget:
//	  limit: 180000
//	  policy: warn
//	compression:
//	  model: claude-haiku-4-5
//	  max_tokens: 2048
//	  concurrency: 4
type FileConfig struct {
	TractID         string `yaml:"tract_id"`
	DBPath          string `yaml:"db"`
	CounterEncoding string `yaml:"counter_encoding"`
	CacheSize       int    `yaml:"cache_size"`

	Budget struct {
		Limit  int    `yaml:"limit"`
		Policy string `yaml:"policy"` // reject | warn | callback
	} `yaml:"budget"`

	Compression struct {
		Model       string  `yaml:"model"`
		Temperature float64 `yaml:"temperature"`
		MaxTokens   int     `yaml:"max_tokens"`
		Concurrency int     `yaml:"concurrency"`
	} `yaml:"compression"`
}

// LoadOptions reads a YAML config file into Options. Environment
// variables override file values: TRACE_DB, TRACE_TRACT_ID, and
// TRACE_BUDGET_LIMIT. A missing file is not an error; env-only
// configuration is supported by passing "".
func LoadOptions(path string) (Options, error) {
	var fc FileConfig
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Options{}, fmt.Errorf("trace: read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(raw, &fc); err != nil {
				return Options{}, fmt.Errorf("trace: parse config %s: %w", path, err)
			}
		}
	}

	if v := os.Getenv("TRACE_DB"); v != "" {
		fc.DBPath = v
	}
	if v := os.Getenv("TRACE_TRACT_ID"); v != "" {
		fc.TractID = v
	}
	if v := os.Getenv("TRACE_BUDGET_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			fc.Budget.Limit = n
		}
	}

	opts := Options{
		TractID:                fc.TractID,
		DBPath:                 fc.DBPath,
		CounterEncoding:        fc.CounterEncoding,
		CacheSize:              fc.CacheSize,
		CompressionModel:       fc.Compression.Model,
		CompressionTemperature: fc.Compression.Temperature,
		CompressionMaxTokens:   fc.Compression.MaxTokens,
		CompressionConcurrency: fc.Compression.Concurrency,
	}
	if fc.Budget.Limit > 0 {
		opts.Budget = &BudgetConfig{
			Limit:  fc.Budget.Limit,
			Policy: BudgetPolicy(fc.Budget.Policy),
		}
	}
	return opts, nil
}
