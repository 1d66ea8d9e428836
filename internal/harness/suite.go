package harness

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// SuiteOptions controls RunSuite.
type SuiteOptions struct {
	// Filter is a glob matched against scenario file names (without
	// extension). Empty runs everything.
	Filter string

	// Update rewrites golden files instead of comparing against them.
	Update bool
}

// ScenarioOutcome is the result of one scenario file.
type ScenarioOutcome struct {
	Name          string   `json:"name"`
	Path          string   `json:"path"`
	Pass          bool     `json:"pass"`
	GoldenUpdated bool     `json:"golden_updated,omitempty"`
	Errors        []string `json:"errors,omitempty"`
}

// SuiteResult summarizes a directory of scenarios.
type SuiteResult struct {
	Scenarios []ScenarioOutcome `json:"scenarios"`
	Passed    int               `json:"passed"`
	Failed    int               `json:"failed"`
	Total     int               `json:"total"`
}

// FindScenarios returns the YAML scenario files under dir, in lexical
// order, whose base name matches filter.
func FindScenarios(dir, filter string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(path), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}

		files = append(files, path)
		return nil
	})
	return files, err
}

// RunSuite loads and runs every scenario under dir. A scenario passes when
// its assertions hold and, if a golden file exists next to it (see
// GoldenPath), its trace matches.
func RunSuite(dir string, opts SuiteOptions) (*SuiteResult, error) {
	files, err := FindScenarios(dir, opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("failed to find scenarios: %w", err)
	}

	result := &SuiteResult{Scenarios: make([]ScenarioOutcome, 0, len(files)), Total: len(files)}
	for _, path := range files {
		outcome := runScenarioFile(path, opts)
		result.Scenarios = append(result.Scenarios, outcome)
		if outcome.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}
	return result, nil
}

func runScenarioFile(path string, opts SuiteOptions) ScenarioOutcome {
	out := ScenarioOutcome{Name: filepath.Base(path), Path: path}

	scenario, err := LoadScenario(path)
	if err != nil {
		out.Errors = []string{fmt.Sprintf("failed to load scenario: %v", err)}
		return out
	}
	out.Name = scenario.Name

	result, err := Run(scenario)
	if err != nil {
		out.Errors = []string{fmt.Sprintf("execution failed: %v", err)}
		return out
	}
	out.Errors = result.Errors

	golden := GoldenPath(path)
	if opts.Update {
		if err := WriteGolden(golden, result); err != nil {
			out.Errors = append(out.Errors, err.Error())
			return out
		}
		out.GoldenUpdated = true
		out.Pass = result.Pass
		return out
	}

	match, err := MatchGolden(golden, result)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// No golden file: assertions alone decide.
	case err != nil:
		out.Errors = append(out.Errors, fmt.Sprintf("golden comparison failed: %v", err))
		return out
	case !match:
		out.Errors = append(out.Errors, "trace does not match golden file (run with --update to regenerate)")
		return out
	}

	out.Pass = result.Pass
	return out
}
