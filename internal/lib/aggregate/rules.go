package aggregate

import (
	"bytes"
	_ "embed"
	"encoding/csv"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/network"
)

// Fixed leading columns of the rule table. Every column after Units is a travel mode.
const (
	colVariable    = "Variable Name"
	colEffect      = "Impedance Effect Type"
	colConstraints = "Constraints"
	colLower       = "Lower Bound"
	colUpper       = "Upper Bound"
	colEnumeration = "Enumeration"
	colUnits       = "Units"
)

var requiredColumns = []string{colVariable, colEffect, colConstraints, colLower, colUpper, colEnumeration, colUnits}

// speedVariable names the row carrying mode speeds
const speedVariable = "speed"

//go:embed defaults/factors.csv
var defaultFactors []byte

// DefaultRuleTable parses the built-in rule table
func DefaultRuleTable() (*RuleTable, error) {
	return ParseRuleTable(bytes.NewReader(defaultFactors))
}

// LoadRuleTable reads a rule table from a CSV file. An empty path gives the
// built-in table.
func LoadRuleTable(path string) (*RuleTable, error) {
	if path == "" {
		return DefaultRuleTable()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening rule table %s", path)
	}
	defer f.Close()
	return ParseRuleTable(f)
}

// ParseRuleTable parses the CSV rule table. The row whose variable is "Speed", or
// the first data row if there is none, holds mode speeds in feet per hour.
func ParseRuleTable(r io.Reader) (*RuleTable, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, errors.Wrap(ErrMalformedRuleTable, err.Error())
	}
	if len(records) < 2 {
		return nil, errors.Wrap(ErrMalformedRuleTable, "needs a header and a speed row")
	}

	header := records[0]
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(name)] = i
	}
	for _, name := range requiredColumns {
		if _, ok := index[name]; !ok {
			return nil, errors.Wrapf(ErrMalformedRuleTable, "missing column %q", name)
		}
	}

	table := &RuleTable{Speeds: make(map[Mode]float64)}
	modeStart := index[colUnits] + 1
	for _, name := range header[modeStart:] {
		mode := Mode(strings.TrimSpace(name))
		if mode == "" {
			return nil, errors.Wrap(ErrMalformedRuleTable, "empty mode column name")
		}
		table.Modes = append(table.Modes, mode)
	}
	if len(table.Modes) == 0 {
		return nil, errors.Wrap(ErrMalformedRuleTable, "no travel mode columns")
	}

	rows := records[1:]
	speedRow := 0
	for i, row := range rows {
		if strings.EqualFold(cell(row, index[colVariable]), speedVariable) {
			speedRow = i
			break
		}
	}

	for i, row := range rows {
		rowNum := i + 2 // 1-based, after the header
		if len(row) != len(header) {
			return nil, errors.Wrapf(ErrMalformedRuleTable, "row %d: %d fields, header has %d", rowNum, len(row), len(header))
		}
		if i == speedRow {
			for j, mode := range table.Modes {
				speed, err := strconv.ParseFloat(strings.TrimSpace(row[modeStart+j]), 64)
				if err != nil || speed <= 0 || math.IsNaN(speed) || math.IsInf(speed, 0) {
					return nil, errors.Wrapf(ErrMalformedRuleTable, "row %d: invalid speed %q for %s", rowNum, row[modeStart+j], mode)
				}
				table.Speeds[mode] = speed
			}
			continue
		}

		rule, err := parseRule(row, index, table.Modes, modeStart)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedRuleTable, "row %d (%s): %s", rowNum, cell(row, index[colVariable]), err.Error())
		}
		rule.Row = rowNum
		table.Rules = append(table.Rules, rule)
	}
	return table, nil
}

func parseRule(row []string, index map[string]int, modes []Mode, modeStart int) (Rule, error) {
	rule := Rule{
		Variable:    cell(row, index[colVariable]),
		Enumeration: cell(row, index[colEnumeration]),
		Units:       cell(row, index[colUnits]),
		Factors:     make(map[Mode]float64, len(modes)),
	}
	if rule.Variable == "" {
		return rule, errors.New("missing variable name")
	}

	effect, branch, _ := strings.Cut(cell(row, index[colEffect]), ";")
	kind, err := network.ParseEffectKind(strings.TrimSpace(effect))
	if err != nil {
		return rule, err
	}
	rule.Effect = kind
	if branch = strings.TrimSpace(branch); branch != "" {
		aux, err := network.ParseAuxType(branch)
		if err != nil {
			return rule, err
		}
		rule.Branch = aux
	}

	constraint := cell(row, index[colConstraints])
	switch Constraint(constraint) {
	case ConstraintInside, ConstraintInsideInclusive, ConstraintOutside, ConstraintOutsideInclusive:
		rule.Constraint = Constraint(constraint)
		lower, err := parseBound(cell(row, index[colLower]))
		if err != nil {
			return rule, errors.Wrap(err, "lower bound")
		}
		upper, err := parseBound(cell(row, index[colUpper]))
		if err != nil {
			return rule, errors.Wrap(err, "upper bound")
		}
		if lower > upper {
			return rule, errors.Errorf("lower bound %v above upper bound %v", lower, upper)
		}
		rule.Lower, rule.Upper = lower, upper
	default:
		if !isBlank(constraint) {
			return rule, errors.Errorf("unknown constraint %q", constraint)
		}
		rule.Constraint = ConstraintEnum
	}

	for j, mode := range modes {
		raw := strings.TrimSpace(row[modeStart+j])
		if isBlank(raw) {
			// A missing factor is neutral for its effect
			if rule.Effect == network.EffectMul {
				rule.Factors[mode] = 1
			} else {
				rule.Factors[mode] = 0
			}
			continue
		}
		factor, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(factor) || math.IsInf(factor, 0) {
			return rule, errors.Errorf("invalid factor %q for %s", raw, mode)
		}
		rule.Factors[mode] = factor
	}
	return rule, nil
}

func parseBound(raw string) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) {
		return 0, errors.Errorf("not a number: %q", raw)
	}
	return v, nil
}

func cell(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// isBlank treats spreadsheet exports of missing values as empty
func isBlank(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "nan":
		return true
	}
	return false
}
