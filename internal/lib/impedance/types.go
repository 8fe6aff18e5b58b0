// Package impedance maps events onto per-segment impedance contributions
// using static rule tables.
package impedance

import (
	"github.com/pkg/errors"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/network"
)

// Contribution is the impedance an event adds to one segment
type Contribution struct {
	Factor float64            `json:"factor"`
	Effect network.EffectKind `json:"effect"`
}

// None is the no-op contribution returned when no rule applies
var None = Contribution{Factor: 0, Effect: network.EffectNone}

// IsNone reports whether the contribution has no effect
func (c Contribution) IsNone() bool {
	return c.Effect == network.EffectNone
}

// secondsPerHour converts ADD entries expressed in seconds into hours
const secondsPerHour = 3600.0

// ruleEntry is the YAML form of a single contribution
type ruleEntry struct {
	Effect  string   `yaml:"effect"`
	Factor  *float64 `yaml:"factor"`
	Seconds *float64 `yaml:"seconds"`
}

// contribution validates an entry and converts seconds to hours
func (e ruleEntry) contribution() (Contribution, error) {
	effect, err := network.ParseEffectKind(e.Effect)
	if err != nil {
		return None, err
	}
	switch {
	case e.Factor != nil && e.Seconds != nil:
		return None, errors.New("entry sets both factor and seconds")
	case e.Factor != nil:
		return Contribution{Factor: *e.Factor, Effect: effect}, nil
	case e.Seconds != nil:
		if effect != network.EffectAdd {
			return None, errors.New("seconds only apply to ADD entries")
		}
		return Contribution{Factor: *e.Seconds / secondsPerHour, Effect: effect}, nil
	}
	return None, errors.New("entry sets neither factor nor seconds")
}

// classEntries is a per-segment-class group of entries keyed by class name
type classEntries map[string]ruleEntry

// compile converts YAML entries into contributions keyed by segment class
func (c classEntries) compile() (map[network.SegmentClass]Contribution, error) {
	out := make(map[network.SegmentClass]Contribution, len(c))
	for name, entry := range c {
		class := network.SegmentClass(name)
		if !class.Valid() {
			return nil, errors.Errorf("unknown segment class %q", name)
		}
		contribution, err := entry.contribution()
		if err != nil {
			return nil, errors.Wrapf(err, "class %s", name)
		}
		out[class] = contribution
	}
	return out, nil
}

// Engine interface defines event to contribution resolution
type Engine interface {
	// Lookup returns the event's contribution on a segment of the given class.
	// A missing rule yields None, never an error.
	Lookup(event network.Event, class network.SegmentClass) Contribution
}

// NewEngine is implemented in engine.go
