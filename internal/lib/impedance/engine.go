package impedance

import (
	"embed"
	"os"

	"github.com/pkg/errors"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/network"
)

//go:embed rules/*.yaml
var embeddedRules embed.FS

// engine implements the Engine interface
type engine struct {
	alert  *AlertTable
	agency *AgencyTable
}

// NewEngine creates an Engine over explicit tables
func NewEngine(alert *AlertTable, agency *AgencyTable) Engine {
	return &engine{alert: alert, agency: agency}
}

// DefaultEngine loads the built-in tables
func DefaultEngine() (Engine, error) {
	return LoadEngine("", "")
}

// LoadEngine reads tables from the given paths, falling back to the built-in
// table when a path is empty
func LoadEngine(alertPath, agencyPath string) (Engine, error) {
	alertData, err := readTable(alertPath, "rules/alert.yaml")
	if err != nil {
		return nil, err
	}
	agencyData, err := readTable(agencyPath, "rules/agency.yaml")
	if err != nil {
		return nil, err
	}

	alert, err := ParseAlertTable(alertData)
	if err != nil {
		return nil, err
	}
	agency, err := ParseAgencyTable(agencyData)
	if err != nil {
		return nil, err
	}
	return NewEngine(alert, agency), nil
}

func readTable(path, builtin string) ([]byte, error) {
	if path == "" {
		return embeddedRules.ReadFile(builtin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read impedance table %s", path)
	}
	return data, nil
}

// Lookup dispatches on the event's source
func (e *engine) Lookup(event network.Event, class network.SegmentClass) Contribution {
	switch event.Source {
	case network.SourceAlert:
		return e.alert.Lookup(event.Category, event.Subcategory, class)
	case network.SourceAgency:
		if event.Scheduled {
			return e.agency.LookupScheduled(event.Subcategory)
		}
		return e.agency.LookupUnscheduled(event.Category, event.Severity, class)
	}
	return None
}
