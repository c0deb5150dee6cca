package learn

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Corrections maps case ids to human-authored corrected queries. Entries
// are candidates only: they still pass through the validation gate before
// becoming examples.
type Corrections map[string]string

type correctionsFile struct {
	Corrections []correctionEntry `yaml:"corrections"`
}

type correctionEntry struct {
	CaseID string `yaml:"case_id"`
	SQL    string `yaml:"sql"`
}

// LoadCorrections reads a corrections YAML file:
//
//	corrections:
//	  - case_id: active-users-last-week
//	    sql: SELECT COUNT(DISTINCT UserId) FROM ...
func LoadCorrections(path string) (Corrections, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read corrections file: %w", err)
	}

	var file correctionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse corrections file: %w", err)
	}

	corrections := make(Corrections, len(file.Corrections))
	for _, entry := range file.Corrections {
		if entry.CaseID == "" || entry.SQL == "" {
			return nil, fmt.Errorf("corrections entries require both case_id and sql")
		}
		if _, ok := corrections[entry.CaseID]; ok {
			return nil, fmt.Errorf("duplicate correction for case %q", entry.CaseID)
		}
		corrections[entry.CaseID] = entry.SQL
	}
	return corrections, nil
}
