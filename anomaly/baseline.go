package anomaly

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Baseline is the finalized statistical profile of one deployment. Ready
// transitions false→true exactly once, at the end of the learning phase.
type Baseline struct {
	MeanCacheMissRate  float64 `yaml:"mean_cache_miss_rate"`
	StdCacheMissRate   float64 `yaml:"std_cache_miss_rate"`
	MeanBranchMissRate float64 `yaml:"mean_branch_miss_rate"`
	StdBranchMissRate  float64 `yaml:"std_branch_miss_rate"`
	MeanIPC            float64 `yaml:"mean_ipc"`
	StdIPC             float64 `yaml:"std_ipc"`
	SampleCount        uint64  `yaml:"sample_count"`
	Ready              bool    `yaml:"ready"`
}

// Save writes the baseline as a YAML snapshot so a deployment's learned
// profile can be inspected or compared across runs.
func (b *Baseline) Save(path string) error {
	if !b.Ready {
		return fmt.Errorf("anomaly: refusing to save a baseline that is not ready")
	}
	data, err := yaml.Marshal(b)
	if err != nil {
		return fmt.Errorf("anomaly: marshal baseline: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("anomaly: write baseline: %w", err)
	}
	return nil
}

// LoadBaseline reads a YAML snapshot written by Save.
func LoadBaseline(path string) (Baseline, error) {
	var b Baseline
	data, err := os.ReadFile(path)
	if err != nil {
		return b, fmt.Errorf("anomaly: read baseline: %w", err)
	}
	if err := yaml.Unmarshal(data, &b); err != nil {
		return b, fmt.Errorf("anomaly: parse baseline: %w", err)
	}
	return b, nil
}
