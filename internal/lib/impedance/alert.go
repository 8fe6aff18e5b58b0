package impedance

import (
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/network"
)

// AlertTable resolves alert feed contributions by subtype, or by type for alerts without one
type AlertTable struct {
	subtypes  map[string]map[network.SegmentClass]Contribution
	noSubtype map[string]map[network.SegmentClass]Contribution
}

type alertTableFile struct {
	Subtypes  map[string]classEntries `yaml:"subtypes"`
	NoSubtype map[string]classEntries `yaml:"no_subtype"`
}

// ParseAlertTable parses the YAML alert table
func ParseAlertTable(data []byte) (*AlertTable, error) {
	var file alertTableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrap(err, "failed to parse alert impedance table")
	}

	table := &AlertTable{
		subtypes:  make(map[string]map[network.SegmentClass]Contribution, len(file.Subtypes)),
		noSubtype: make(map[string]map[network.SegmentClass]Contribution, len(file.NoSubtype)),
	}
	for key, entries := range file.Subtypes {
		compiled, err := entries.compile()
		if err != nil {
			return nil, errors.Wrapf(err, "alert subtype %s", key)
		}
		table.subtypes[key] = compiled
	}
	for key, entries := range file.NoSubtype {
		compiled, err := entries.compile()
		if err != nil {
			return nil, errors.Wrapf(err, "alert type %s", key)
		}
		table.noSubtype[key] = compiled
	}
	return table, nil
}

// Lookup keys by subcategory when present, otherwise by category's no-subtype entry
func (t *AlertTable) Lookup(category, subcategory string, class network.SegmentClass) Contribution {
	var byClass map[network.SegmentClass]Contribution
	if subcategory == "" {
		byClass = t.noSubtype[category]
	} else {
		byClass = t.subtypes[subcategory]
	}
	if c, ok := byClass[class]; ok {
		return c
	}
	return None
}

// Len returns the number of keyed entries
func (t *AlertTable) Len() int {
	return len(t.subtypes) + len(t.noSubtype)
}
