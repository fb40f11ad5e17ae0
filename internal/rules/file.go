package rules

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/opensource-finance/kestrel/internal/domain"
	"gopkg.in/yaml.v3"
)

// LoadFile reads a bootstrap rule file: a YAML (or JSON) list of rule records
// using the same field names as the control channel. Records are returned in
// file order and are not validated; they go through the control channel like
// any other update.
func LoadFile(path string) ([]domain.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a list of rule records from YAML or JSON.
func Parse(data []byte) ([]domain.Rule, error) {
	var raw []map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse rule file: %w", err)
	}

	out := make([]domain.Rule, 0, len(raw))
	for i, rec := range raw {
		// Round-trip through JSON so file records decode exactly like wire records.
		b, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("rule record %d: %w", i, err)
		}
		var r domain.Rule
		if err := json.Unmarshal(b, &r); err != nil {
			return nil, fmt.Errorf("rule record %d: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}
