package attachment

import (
	"github.com/pkg/errors"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/network"
	"github.com/dpup/impedance.ersn.net/server/internal/lib/ranking"
)

// Rule names the decision procedure applied to an event
type Rule string

const (
	RuleWeather      Rule = "weather"      // area hazard, everything within the hazard radius
	RuleIntersection Rule = "intersection" // intersection-context box test
	RuleDefault      Rule = "default"      // agency incidents, fixed radius on both classes
)

// Placement is the intersection-context outcome
type Placement string

const (
	PlacementNone     Placement = ""
	PlacementInterior Placement = "interior"
	PlacementExterior Placement = "exterior"
)

// Thresholds holds every radius (feet) and box parameter the classifier uses
type Thresholds struct {
	HazardRadius           float64 `yaml:"hazard_radius_ft"`
	BoxRadius              float64 `yaml:"box_radius_ft"`
	InteriorCrossingRadius float64 `yaml:"interior_crossing_radius_ft"`
	ExteriorCrossingRadius float64 `yaml:"exterior_crossing_radius_ft"`
	ExteriorThroughRadius  float64 `yaml:"exterior_through_radius_ft"`
	DefaultRadius          float64 `yaml:"default_radius_ft"`
	MinBoxCrossings        int     `yaml:"min_box_crossings"`
	WeatherPrefix          string  `yaml:"weather_prefix"`
}

// DefaultThresholds returns the production thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{
		HazardRadius:           1000,
		BoxRadius:              300,
		InteriorCrossingRadius: 20,
		ExteriorCrossingRadius: 80,
		ExteriorThroughRadius:  50,
		DefaultRadius:          50,
		MinBoxCrossings:        4,
		WeatherPrefix:          "HAZARD_WEATHER_",
	}
}

// Validate rejects negative radii and boxes with fewer than two corners
func (t Thresholds) Validate() error {
	for name, v := range map[string]float64{
		"hazard_radius_ft":            t.HazardRadius,
		"box_radius_ft":               t.BoxRadius,
		"interior_crossing_radius_ft": t.InteriorCrossingRadius,
		"exterior_crossing_radius_ft": t.ExteriorCrossingRadius,
		"exterior_through_radius_ft":  t.ExteriorThroughRadius,
		"default_radius_ft":           t.DefaultRadius,
	} {
		if v < 0 {
			return errors.Errorf("threshold %s must not be negative, got %v", name, v)
		}
	}
	if t.MinBoxCrossings < 2 {
		return errors.Errorf("min_box_crossings must be at least 2, got %d", t.MinBoxCrossings)
	}
	return nil
}

// SearchRadius is the widest radius any rule looks at; a spatial prefilter must cover it
func (t Thresholds) SearchRadius() float64 {
	r := t.HazardRadius
	for _, v := range []float64{t.BoxRadius, t.InteriorCrossingRadius, t.ExteriorCrossingRadius, t.ExteriorThroughRadius, t.DefaultRadius} {
		if v > r {
			r = v
		}
	}
	return r
}

// Decision is the classifier's verdict for one event
type Decision struct {
	Rule      Rule                    `json:"rule"`
	Placement Placement               `json:"placement,omitempty"`
	Targets   []ranking.RankedSegment `json:"targets"`

	// Discarded events are too far from the network to be recorded at all
	Discarded bool `json:"discarded"`
}

// Classifier interface defines attachment target selection
type Classifier interface {
	// RuleFor selects the decision procedure for an event
	RuleFor(event network.Event) Rule

	// Classify picks the attachment targets for an event from a ranking around its location
	Classify(event network.Event, ranked ranking.Ranking) Decision
}

// NewClassifier is implemented in classifier.go
