package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/teranos/docpulse/errors"
	"github.com/teranos/docpulse/internal/fsutil"
)

// Load reads a report from path. Files ending in .yaml or .yml are parsed as
// YAML; everything else as JSON.
func Load(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(errors.ErrNotFound, "report %s", path)
		}
		return nil, errors.Wrapf(err, "failed to read report %s", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return Parse(data)
	}
}

// Parse decodes a JSON report
func Parse(data []byte) (*Report, error) {
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.WithHint(err, "expected {pillar: {requirement: {sub_requirement: {completeness_percent, evidence}}}}")
	}
	return &r, nil
}

// ParseYAML decodes a YAML report by converting it to JSON, so both formats
// share one validation path.
func ParseYAML(data []byte) (*Report, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "failed to parse YAML report")
	}
	js, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "failed to convert YAML report")
	}
	return Parse(js)
}

// Save writes r as indented JSON using an atomic temp-file rename
func Save(path string, r *Report) error {
	if err := fsutil.WriteJSON(path, r); err != nil {
		return errors.Wrapf(err, "failed to write report %s", path)
	}
	return nil
}
