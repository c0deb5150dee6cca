// Package suite loads and validates accuracy test suite definitions.
// A suite is a YAML file mapping test case ids to questions, ground-truth
// DAX, and tolerance policies. Suites are read once per run and never
// mutated by the evaluation loop.
package suite

import (
	"fmt"
	"os"

	"github.com/kamilpajak/veritas/pkg/models"
	"gopkg.in/yaml.v3"
)

// Default tolerance matches the original 1% relative policy for metric
// queries.
var defaultTolerance = models.ToleranceSpec{
	Mode:      models.ToleranceRelativePercent,
	Threshold: 1.0,
}

// Suite is a named collection of test cases.
type Suite struct {
	Name  string            `yaml:"name"`
	Cases []models.TestCase `yaml:"cases"`
}

// Load reads and validates a suite definition from a YAML file.
func Load(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read suite file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML suite definition.
func Parse(data []byte) (*Suite, error) {
	var s Suite
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse suite: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Suite) validate() error {
	if len(s.Cases) == 0 {
		return fmt.Errorf("suite %q has no test cases", s.Name)
	}

	seen := make(map[string]bool, len(s.Cases))
	for i := range s.Cases {
		tc := &s.Cases[i]
		if tc.ID == "" {
			return fmt.Errorf("case %d has no id", i)
		}
		if seen[tc.ID] {
			return fmt.Errorf("duplicate case id %q", tc.ID)
		}
		seen[tc.ID] = true

		if tc.Question == "" {
			return fmt.Errorf("case %q has no question", tc.ID)
		}
		if tc.GroundDAX == "" {
			return fmt.Errorf("case %q has no ground-truth query", tc.ID)
		}

		if tc.Shape == "" {
			tc.Shape = models.ShapeScalar
		}
		switch tc.Shape {
		case models.ShapeScalar, models.ShapeRow, models.ShapeTable:
		default:
			return fmt.Errorf("case %q has invalid shape %q", tc.ID, tc.Shape)
		}

		if tc.Tolerance.Mode == "" {
			tc.Tolerance = defaultTolerance
			if tc.Shape == models.ShapeTable {
				tc.Tolerance = models.ToleranceSpec{Mode: models.ToleranceSetEquality}
			}
		}
		switch tc.Tolerance.Mode {
		case models.ToleranceExact, models.ToleranceAbsolute,
			models.ToleranceRelativePercent, models.ToleranceSetEquality:
		default:
			return fmt.Errorf("case %q has invalid tolerance mode %q", tc.ID, tc.Tolerance.Mode)
		}
		if tc.Tolerance.Threshold < 0 {
			return fmt.Errorf("case %q has negative tolerance threshold", tc.ID)
		}
	}
	return nil
}

// Filter returns the cases carrying the given tag, or all cases when tag is
// empty.
func (s *Suite) Filter(tag string) []models.TestCase {
	if tag == "" {
		return s.Cases
	}
	var out []models.TestCase
	for i := range s.Cases {
		if s.Cases[i].HasTag(tag) {
			out = append(out, s.Cases[i])
		}
	}
	return out
}

// Case returns the test case with the given id, or nil.
func (s *Suite) Case(id string) *models.TestCase {
	for i := range s.Cases {
		if s.Cases[i].ID == id {
			return &s.Cases[i]
		}
	}
	return nil
}
