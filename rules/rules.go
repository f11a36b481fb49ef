// Package rules layers Sigma rule matching on top of the alert stream, so
// operators can express site-specific triage ("escalate oscillation from
// unknown comms", "ignore the batch runner") as standard Sigma YAML instead
// of code. The enabled_rules directory is watched and reloaded on change.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"

	"github.com/jnesss/cpu-guardian/alerts"
	"github.com/jnesss/cpu-guardian/database"
)

// Detector manages the loaded Sigma rules and their evaluation.
type Detector struct {
	RulesDir   string
	db         *database.DB
	evaluators map[string]*evaluator.RuleEvaluator
	watcher    *fsnotify.Watcher
}

// MatchResult is one rule hit for an alert.
type MatchResult struct {
	Rule         sigma.Rule
	MatchDetails []string
}

// alertFieldConfig maps the Sigma field vocabulary onto alert fields, so
// public rule conventions (Image, ProcessId) work unchanged.
func alertFieldConfig() sigma.Config {
	return sigma.Config{
		Title: "CPU Guardian Alert Config",
		FieldMappings: map[string]sigma.FieldMapping{
			"Image":     {TargetNames: []string{"Image"}},
			"ProcessId": {TargetNames: []string{"ProcessId"}},
			"Level":     {TargetNames: []string{"Level"}},
			"Reason":    {TargetNames: []string{"Reason"}},
		},
	}
}

// NewDetector creates a detector rooted at rulesDir, loads the enabled
// rules, and starts watching the directory for changes.
func NewDetector(rulesDir string, db *database.DB) (*Detector, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %v", err)
	}

	d := &Detector{
		RulesDir:   rulesDir,
		db:         db,
		evaluators: make(map[string]*evaluator.RuleEvaluator),
		watcher:    watcher,
	}

	enabledDir := filepath.Join(rulesDir, "enabled_rules")
	if err := os.MkdirAll(enabledDir, 0755); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to create directory %s: %v", enabledDir, err)
	}

	if err := watcher.Add(enabledDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %v", enabledDir, err)
	}
	go d.watchFileChanges()

	if err := d.LoadRules(); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to load rules: %v", err)
	}

	return d, nil
}

// Close stops the watcher.
func (d *Detector) Close() {
	if d.watcher != nil {
		d.watcher.Close()
	}
}

func (d *Detector) watchFileChanges() {
	for {
		select {
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".yml") && !strings.HasSuffix(event.Name, ".yaml") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				log.Printf("[rules] detected rule change: %s", event.Name)
				if err := d.LoadRules(); err != nil {
					log.Printf("[rules] reload failed: %v", err)
				}
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[rules] watcher error: %v", err)
		}
	}
}

// LoadRules replaces the evaluator set from the enabled_rules directory.
func (d *Detector) LoadRules() error {
	enabledDir := filepath.Join(d.RulesDir, "enabled_rules")

	files, err := os.ReadDir(enabledDir)
	if err != nil {
		return err
	}

	evaluators := make(map[string]*evaluator.RuleEvaluator)
	count := 0
	for _, file := range files {
		ext := filepath.Ext(file.Name())
		if file.IsDir() || (ext != ".yml" && ext != ".yaml") {
			continue
		}
		path := filepath.Join(enabledDir, file.Name())
		rule, eval, err := loadRuleFile(path)
		if err != nil {
			log.Printf("[rules] skipping %s: %v", path, err)
			continue
		}
		evaluators[rule.ID] = eval
		count++
	}

	d.evaluators = evaluators
	log.Printf("[rules] loaded %d Sigma rules from %s", count, enabledDir)
	return nil
}

func loadRuleFile(path string) (sigma.Rule, *evaluator.RuleEvaluator, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return sigma.Rule{}, nil, err
	}

	if sigma.InferFileType(content) != sigma.RuleFile {
		return sigma.Rule{}, nil, fmt.Errorf("file is not a Sigma rule")
	}

	rule, err := sigma.ParseRule(content)
	if err != nil {
		return sigma.Rule{}, nil, err
	}

	eval := evaluator.ForRule(rule,
		evaluator.WithConfig(alertFieldConfig()),
		evaluator.WithPlaceholderExpander(func(ctx context.Context, placeholderName string) ([]string, error) {
			return nil, nil
		}),
		evaluator.CountImplementation(func(ctx context.Context, key evaluator.GroupedByValues) (float64, error) {
			return 0, nil
		}),
		evaluator.SumImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
		evaluator.AverageImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}))

	return rule, eval, nil
}

// alertEvent folds an alert into the flat field map the evaluators see.
func alertEvent(a *alerts.Alert) map[string]interface{} {
	return map[string]interface{}{
		"Level":        a.Level.String(),
		"ProcessId":    a.PID,
		"Image":        a.Comm,
		"Reason":       a.Reason,
		"AnomalyScore": a.Score,
		"TimestampNs":  a.TimestampNs,
	}
}

// CheckAlert evaluates one alert against every loaded rule.
func (d *Detector) CheckAlert(ctx context.Context, a *alerts.Alert) []MatchResult {
	if len(d.evaluators) == 0 {
		return nil
	}

	event := alertEvent(a)
	var results []MatchResult

	for _, eval := range d.evaluators {
		result, err := eval.Matches(ctx, event)
		if err != nil {
			log.Printf("[rules] error evaluating rule %s: %v", eval.Rule.ID, err)
			continue
		}
		if !result.Match {
			continue
		}

		var matched []string
		for k, v := range result.SearchResults {
			if v {
				matched = append(matched, k)
			}
		}

		results = append(results, MatchResult{
			Rule:         eval.Rule,
			MatchDetails: []string{fmt.Sprintf("Matched conditions: %s", strings.Join(matched, ", "))},
		})
		log.Printf("[rules] alert matched rule %s (%s)", eval.Rule.Title, eval.Rule.ID)
	}

	return results
}

// StoreMatch persists one match against the stored alert row.
func (d *Detector) StoreMatch(alertID int64, m *MatchResult) error {
	if d.db == nil {
		return nil
	}

	severity := m.Rule.Level
	if severity == "" {
		severity = "medium"
	}

	details, _ := json.Marshal(m.MatchDetails)
	return d.db.InsertMatch(&database.MatchRecord{
		AlertID:  alertID,
		RuleID:   m.Rule.ID,
		RuleName: m.Rule.Title,
		Severity: severity,
		Details:  string(details),
	})
}
