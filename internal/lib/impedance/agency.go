package impedance

import (
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/network"
)

// AgencyTable resolves agency feed contributions.
// Unscheduled events resolve by type and severity, scheduled events by subtype containment.
type AgencyTable struct {
	fixed              map[string]map[network.SegmentClass]Contribution
	severityMultiplier float64
	exactMarker        string
	exact              map[string]struct{}
	scheduled          []scheduledRule
}

type scheduledRule struct {
	key          string
	contribution Contribution
}

type agencyTableFile struct {
	Unscheduled struct {
		Fixed              map[string]classEntries `yaml:"fixed"`
		SeverityMultiplier float64                 `yaml:"severity_multiplier"`
	} `yaml:"unscheduled"`
	Scheduled struct {
		ExactMarker string   `yaml:"exact_marker"`
		Exact       []string `yaml:"exact"`
		Subtypes    []struct {
			Key     string   `yaml:"key"`
			Effect  string   `yaml:"effect"`
			Factor  *float64 `yaml:"factor"`
			Seconds *float64 `yaml:"seconds"`
		} `yaml:"subtypes"`
	} `yaml:"scheduled"`
}

// ParseAgencyTable parses the YAML agency table
func ParseAgencyTable(data []byte) (*AgencyTable, error) {
	var file agencyTableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrap(err, "failed to parse agency impedance table")
	}

	table := &AgencyTable{
		fixed:              make(map[string]map[network.SegmentClass]Contribution),
		severityMultiplier: file.Unscheduled.SeverityMultiplier,
		exactMarker:        file.Scheduled.ExactMarker,
		exact:              make(map[string]struct{}),
	}
	for eventType, entries := range file.Unscheduled.Fixed {
		compiled, err := entries.compile()
		if err != nil {
			return nil, errors.Wrapf(err, "agency type %s", eventType)
		}
		table.fixed[eventType] = compiled
	}

	keys := make(map[string]struct{})
	for i, sub := range file.Scheduled.Subtypes {
		if sub.Key == "" {
			return nil, errors.Errorf("scheduled subtype %d has no key", i)
		}
		c, err := ruleEntry{Effect: sub.Effect, Factor: sub.Factor, Seconds: sub.Seconds}.contribution()
		if err != nil {
			return nil, errors.Wrapf(err, "scheduled subtype %s", sub.Key)
		}
		table.scheduled = append(table.scheduled, scheduledRule{key: sub.Key, contribution: c})
		keys[sub.Key] = struct{}{}
	}
	for _, key := range file.Scheduled.Exact {
		if _, ok := keys[key]; !ok {
			return nil, errors.Errorf("exact subtype %q is not in the scheduled table", key)
		}
		table.exact[key] = struct{}{}
	}
	return table, nil
}

// LookupUnscheduled resolves an unscheduled event by type
func (t *AgencyTable) LookupUnscheduled(eventType string, severity float64, class network.SegmentClass) Contribution {
	if byClass, ok := t.fixed[eventType]; ok {
		if c, ok := byClass[class]; ok {
			return c
		}
		return None
	}
	return Contribution{Factor: t.severityMultiplier * severity, Effect: network.EffectMul}
}

// LookupScheduled resolves a scheduled event by subtype, independent of segment class.
// Subtypes carrying the exact marker match only the listed exact keys; all others
// match the first key, in table order, that contains them.
func (t *AgencyTable) LookupScheduled(subtype string) Contribution {
	if subtype == "" {
		return None
	}
	if t.exactMarker != "" && strings.Contains(subtype, t.exactMarker) {
		if _, ok := t.exact[subtype]; !ok {
			return None
		}
		for _, rule := range t.scheduled {
			if rule.key == subtype {
				return rule.contribution
			}
		}
		return None
	}
	for _, rule := range t.scheduled {
		if strings.Contains(rule.key, subtype) {
			return rule.contribution
		}
	}
	return None
}
