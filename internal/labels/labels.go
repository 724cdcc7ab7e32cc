// Package labels maps raw GitHub label names to canonical label categories.
package labels

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/fenhl/github-timeline/internal/models"
	"gopkg.in/yaml.v3"
)

// Tables holds one raw-to-canonical label table per repository, keyed by "owner/name"
type Tables map[string]map[string]string

// tablesFile is the on-disk layout of a label table file:
//
//	repositories:
//	  owner/name:
//	    "Type: Bug": bug
//	    "type: bug": bug
type tablesFile struct {
	Repositories map[string]map[string]string `yaml:"repositories"`
}

// Normalize returns the canonical form of raw for repo.
// Labels without a table entry are returned unchanged.
func (t Tables) Normalize(repo models.Repository, raw string) string {
	if canonical, ok := t[repo.FullName()][raw]; ok {
		return canonical
	}
	return raw
}

// For returns a normalizing function bound to one repository
func (t Tables) For(repo models.Repository) func(string) string {
	table := t[repo.FullName()]
	return func(raw string) string {
		if canonical, ok := table[raw]; ok {
			return canonical
		}
		return raw
	}
}

// Parse decodes label tables from YAML
func Parse(data []byte) (Tables, error) {
	var file tablesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse label tables: %w", err)
	}

	tables := make(Tables, len(file.Repositories))
	for repoStr, table := range file.Repositories {
		repo, err := models.ParseRepository(repoStr)
		if err != nil {
			return nil, fmt.Errorf("invalid label table key: %w", err)
		}
		tables[repo.FullName()] = table
	}
	return tables, nil
}

// LoadTables reads label tables from a YAML file.
// An empty path or a missing file yields empty tables.
func LoadTables(path string) (Tables, error) {
	if path == "" {
		return Tables{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Tables{}, nil
		}
		return nil, fmt.Errorf("failed to read label tables: %w", err)
	}

	return Parse(data)
}
