package suite

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kamilpajak/veritas/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validSuite = `
name: usage-metrics
cases:
  - id: total-users
    question: How many total users?
    ground_dax: EVALUATE ROW("TotalUsers", DISTINCTCOUNT(UsageMetrics[UserId]))
    tolerance:
      mode: relative-percent
      threshold: 1.0
    tags: [core]
  - id: users-by-region
    question: Show users by region
    ground_dax: EVALUATE SUMMARIZE(UsageMetrics, UsageMetrics[Region], "Users", DISTINCTCOUNT(UsageMetrics[UserId]))
    shape: table
  - id: top-region
    question: Which region has the highest satisfaction?
    ground_dax: EVALUATE TOPN(1, VALUES(UsageMetrics[Region]))
    shape: scalar
    tolerance:
      mode: exact
`

func TestParseValidSuite(t *testing.T) {
	s, err := Parse([]byte(validSuite))
	require.NoError(t, err)
	assert.Equal(t, "usage-metrics", s.Name)
	require.Len(t, s.Cases, 3)

	// Defaults applied during validation.
	total := s.Case("total-users")
	require.NotNil(t, total)
	assert.Equal(t, models.ShapeScalar, total.Shape)

	byRegion := s.Case("users-by-region")
	require.NotNil(t, byRegion)
	assert.Equal(t, models.ToleranceSetEquality, byRegion.Tolerance.Mode)

	top := s.Case("top-region")
	require.NotNil(t, top)
	assert.Equal(t, models.ToleranceExact, top.Tolerance.Mode)
}

func TestParseRejectsDuplicateIDs(t *testing.T) {
	_, err := Parse([]byte(`
cases:
  - {id: a, question: q, ground_dax: d}
  - {id: a, question: q2, ground_dax: d2}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate case id")
}

func TestParseRejectsMissingFields(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no cases", `name: empty`},
		{"no id", `{cases: [{question: q, ground_dax: d}]}`},
		{"no question", `{cases: [{id: a, ground_dax: d}]}`},
		{"no ground truth", `{cases: [{id: a, question: q}]}`},
		{"bad mode", `{cases: [{id: a, question: q, ground_dax: d, tolerance: {mode: fuzzy}}]}`},
		{"bad shape", `{cases: [{id: a, question: q, ground_dax: d, shape: cube}]}`},
		{"negative threshold", `{cases: [{id: a, question: q, ground_dax: d, tolerance: {mode: absolute, threshold: -1}}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "suite.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validSuite), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, s.Cases, 3)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestFilterByTag(t *testing.T) {
	s, err := Parse([]byte(validSuite))
	require.NoError(t, err)

	core := s.Filter("core")
	require.Len(t, core, 1)
	assert.Equal(t, "total-users", core[0].ID)

	assert.Len(t, s.Filter(""), 3)
	assert.Empty(t, s.Filter("nope"))
}
