// Package analyzer implements the analyzer engine: scheduled log-store
// queries that detect brute-force-like patterns and post ban decisions
// back to LAPIs.
package analyzer

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crowdsieve/crowdsieve/internal/config"
)

// Analyzer is one analyzer definition loaded from config_dir.
type Analyzer struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Enabled *bool  `yaml:"enabled"`
	Version string `yaml:"version"`

	Schedule struct {
		Interval string `yaml:"interval"`
		Lookback string `yaml:"lookback"`
	} `yaml:"schedule"`

	Source struct {
		Ref      string `yaml:"ref"`
		Query    string `yaml:"query"`
		MaxLines int    `yaml:"max_lines"`
	} `yaml:"source"`

	Extraction struct {
		Format string            `yaml:"format"`
		Fields map[string]string `yaml:"fields"`
	} `yaml:"extraction"`

	Detection struct {
		GroupBy   string `yaml:"groupby"`
		Distinct  string `yaml:"distinct"`
		Threshold int    `yaml:"threshold"`
		Operator  string `yaml:"operator"`
	} `yaml:"detection"`

	Decision struct {
		Type     string `yaml:"type"`
		Duration string `yaml:"duration"`
		Scope    string `yaml:"scope"`
		Scenario string `yaml:"scenario"`
		Reason   string `yaml:"reason"`
	} `yaml:"decision"`

	Targets config.Targets `yaml:"targets"`

	// Resolved durations, populated during load.
	interval time.Duration
	lookback time.Duration
}

// IsEnabled reports whether the analyzer should be scheduled.
func (a *Analyzer) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// Interval returns the resolved schedule interval.
func (a *Analyzer) Interval() time.Duration { return a.interval }

// Lookback returns the resolved query window.
func (a *Analyzer) Lookback() time.Duration { return a.lookback }

func (a *Analyzer) validate() error {
	if a.ID == "" {
		return fmt.Errorf("id is required")
	}
	if a.Source.Ref == "" {
		return fmt.Errorf("source.ref is required")
	}
	if a.Source.Query == "" {
		return fmt.Errorf("source.query is required")
	}
	if a.Extraction.Format != "" && a.Extraction.Format != "json" {
		return fmt.Errorf("extraction.format must be json, got %q", a.Extraction.Format)
	}
	if a.Detection.GroupBy == "" {
		return fmt.Errorf("detection.groupby is required")
	}
	if a.Detection.Threshold <= 0 {
		return fmt.Errorf("detection.threshold must be positive")
	}
	switch a.Detection.Operator {
	case ">", ">=", "<", "<=", "==", "!=", "gt", "gte", "lt", "lte", "eq", "ne":
	default:
		return fmt.Errorf("detection.operator %q is not recognized", a.Detection.Operator)
	}
	if a.Decision.Duration != "" {
		if _, err := config.ParseDuration(a.Decision.Duration); err != nil {
			return fmt.Errorf("decision.duration: %w", err)
		}
	}
	return nil
}

// LoadDir reads every analyzer file in dir (lexicographic order, skipping
// "_"/"." prefixes), applying defaults from the global section. Per-file
// errors are collected; a bad file never aborts its siblings.
func LoadDir(dir string, defaults config.AnalyzersConfig) ([]*Analyzer, []string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []string{fmt.Sprintf("%s: %v", dir, err)}
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
			continue
		}
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var analyzers []*Analyzer
	var errs []string
	for _, name := range names {
		a, err := loadFile(filepath.Join(dir, name), defaults)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		analyzers = append(analyzers, a)
	}
	return analyzers, errs
}

func loadFile(path string, defaults config.AnalyzersConfig) (*Analyzer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}

	var a Analyzer
	if root.Kind != 0 {
		if err := root.Decode(&a); err != nil {
			return nil, err
		}
	}

	if a.ID == "" {
		base := filepath.Base(path)
		a.ID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if a.Name == "" {
		a.Name = a.ID
	}
	if a.Schedule.Interval == "" {
		a.Schedule.Interval = defaults.DefaultInterval
	}
	if a.Schedule.Lookback == "" {
		a.Schedule.Lookback = defaults.DefaultLookback
	}
	if a.Targets.IsZero() {
		a.Targets = defaults.DefaultTargets
	}
	if a.Extraction.Format == "" {
		a.Extraction.Format = "json"
	}

	if a.interval, err = config.ParseDuration(a.Schedule.Interval); err != nil {
		return nil, fmt.Errorf("schedule.interval: %w", err)
	}
	if a.lookback, err = config.ParseDuration(a.Schedule.Lookback); err != nil {
		return nil, fmt.Errorf("schedule.lookback: %w", err)
	}

	if err := a.validate(); err != nil {
		return nil, err
	}
	return &a, nil
}
