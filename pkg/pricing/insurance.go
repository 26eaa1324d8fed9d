package pricing

import (
	"fmt"
	"sort"
	"strings"
)

const (
	// CoverageBasic is always part of a selection and costs nothing.
	CoverageBasic = "basic"
	// CoverageVehicle is the per-vehicle insurance priced by Vehicle.InsuranceDailyRate.
	CoverageVehicle = "vehicle"
)

// Coverage is one insurance add-on with a flat per-day rate.
type Coverage struct {
	Name      string `json:"name"`
	DailyRate Yen    `json:"daily_rate"`
}

// InsuranceSelection is an ordered set of coverages; basic is always first.
type InsuranceSelection struct {
	coverages []Coverage
}

// NewInsuranceSelection normalizes names, drops duplicates and prepends basic.
func NewInsuranceSelection(coverages ...Coverage) (InsuranceSelection, error) {
	normalized := []Coverage{{Name: CoverageBasic, DailyRate: 0}}
	seen := map[string]struct{}{CoverageBasic: {}}
	for _, coverage := range coverages {
		name := normalizeCoverageName(coverage.Name)
		if name == "" {
			return InsuranceSelection{}, fmt.Errorf("%w: empty name", ErrInvalidCoverage)
		}
		if coverage.DailyRate < 0 {
			return InsuranceSelection{}, fmt.Errorf("%w: negative rate for %s", ErrInvalidCoverage, name)
		}
		if _, exists := seen[name]; exists {
			continue
		}
		seen[name] = struct{}{}
		normalized = append(normalized, Coverage{Name: name, DailyRate: coverage.DailyRate})
	}
	return InsuranceSelection{coverages: normalized}, nil
}

// BasicOnly returns the selection containing only the free basic coverage.
func BasicOnly() InsuranceSelection {
	return InsuranceSelection{coverages: []Coverage{{Name: CoverageBasic}}}
}

// Coverages returns a copy of the selected coverages in order.
func (selection InsuranceSelection) Coverages() []Coverage {
	if len(selection.coverages) == 0 {
		return BasicOnly().Coverages()
	}
	copied := make([]Coverage, len(selection.coverages))
	copy(copied, selection.coverages)
	return copied
}

// Names returns the coverage names in order.
func (selection InsuranceSelection) Names() []string {
	coverages := selection.Coverages()
	names := make([]string, 0, len(coverages))
	for _, coverage := range coverages {
		names = append(names, coverage.Name)
	}
	return names
}

// DailyRate sums the per-day rates of all coverages.
func (selection InsuranceSelection) DailyRate() Yen {
	var total Yen
	for _, coverage := range selection.coverages {
		total += coverage.DailyRate
	}
	return total
}

// CoverageCatalog resolves coverage names to rates for a vehicle.
type CoverageCatalog struct {
	extras map[string]Yen
}

// NewCoverageCatalog registers optional coverages beyond basic and vehicle.
func NewCoverageCatalog(extras map[string]Yen) (CoverageCatalog, error) {
	catalog := CoverageCatalog{extras: make(map[string]Yen, len(extras))}
	for rawName, rate := range extras {
		name := normalizeCoverageName(rawName)
		if name == "" || name == CoverageBasic || name == CoverageVehicle {
			return CoverageCatalog{}, fmt.Errorf("%w: reserved or empty name %q", ErrInvalidCoverage, rawName)
		}
		if rate < 0 {
			return CoverageCatalog{}, fmt.Errorf("%w: negative rate for %s", ErrInvalidCoverage, name)
		}
		catalog.extras[name] = rate
	}
	return catalog, nil
}

// Resolve builds a selection for the vehicle from coverage names.
func (catalog CoverageCatalog) Resolve(vehicle Vehicle, names []string) (InsuranceSelection, error) {
	coverages := make([]Coverage, 0, len(names))
	for _, rawName := range names {
		name := normalizeCoverageName(rawName)
		switch name {
		case CoverageBasic:
			continue
		case CoverageVehicle:
			coverages = append(coverages, Coverage{Name: name, DailyRate: vehicle.InsuranceDailyRate})
		default:
			rate, ok := catalog.extras[name]
			if !ok {
				return InsuranceSelection{}, fmt.Errorf("%w: %q", ErrUnknownCoverage, rawName)
			}
			coverages = append(coverages, Coverage{Name: name, DailyRate: rate})
		}
	}
	return NewInsuranceSelection(coverages...)
}

// Available lists the coverages a vehicle can be rented with, basic first.
func (catalog CoverageCatalog) Available(vehicle Vehicle) []Coverage {
	coverages := []Coverage{
		{Name: CoverageBasic},
		{Name: CoverageVehicle, DailyRate: vehicle.InsuranceDailyRate},
	}
	names := make([]string, 0, len(catalog.extras))
	for name := range catalog.extras {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		coverages = append(coverages, Coverage{Name: name, DailyRate: catalog.extras[name]})
	}
	return coverages
}

func normalizeCoverageName(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
