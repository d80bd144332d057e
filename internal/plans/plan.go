// Package plans loads reading-plan definitions from YAML files and tracks
// per-user day completion. Definitions are discovered recursively under a
// plans directory and hot-reloaded when files change; progress rows live in
// sqlite alongside the rest of the store.
package plans

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lecternlabs/lectern/internal/ref"
)

var (
	// ErrInvalidPlan indicates a definition file that does not describe a
	// usable plan.
	ErrInvalidPlan = errors.New("plans: invalid plan definition")
	// ErrPlanNotFound indicates the requested plan id is not loaded.
	ErrPlanNotFound = errors.New("plans: plan not found")
	// ErrDayOutOfRange indicates a day number outside the plan's schedule.
	ErrDayOutOfRange = errors.New("plans: day out of range")
	// ErrInvalidUser indicates a blank or oversized user identifier.
	ErrInvalidUser = errors.New("plans: invalid user id")
)

// Reading is one entry in a day's schedule: the reference text as written
// in the definition file plus the passage it resolves to.
type Reading struct {
	Reference string      `json:"reference"`
	Passage   ref.Passage `json:"passage"`
}

// Day is one day of a plan. Number is 1-based.
type Day struct {
	Number   int       `json:"number"`
	Label    string    `json:"label"`
	Readings []Reading `json:"readings"`
}

// Plan is a fully resolved reading plan.
type Plan struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Days        []Day  `json:"days"`
}

type planFile struct {
	ID          string    `yaml:"id"`
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Days        []dayFile `yaml:"days"`
}

type dayFile struct {
	Label    string   `yaml:"label"`
	Readings []string `yaml:"readings"`
}

// parsePlan decodes one YAML definition and resolves every reading. All
// problems are reported against the source name so a broken file in a
// directory of good ones is easy to find.
func parsePlan(source string, data []byte) (Plan, error) {
	var file planFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Plan{}, fmt.Errorf("%w: %s: %v", ErrInvalidPlan, source, err)
	}

	id := strings.TrimSpace(file.ID)
	if id == "" {
		return Plan{}, fmt.Errorf("%w: %s: missing id", ErrInvalidPlan, source)
	}
	if !validPlanID(id) {
		return Plan{}, fmt.Errorf("%w: %s: id %q must be lowercase letters, digits, and hyphens", ErrInvalidPlan, source, id)
	}
	name := strings.TrimSpace(file.Name)
	if name == "" {
		return Plan{}, fmt.Errorf("%w: %s: missing name", ErrInvalidPlan, source)
	}
	if len(file.Days) == 0 {
		return Plan{}, fmt.Errorf("%w: %s: no days", ErrInvalidPlan, source)
	}

	plan := Plan{
		ID:          id,
		Name:        name,
		Description: strings.TrimSpace(file.Description),
		Days:        make([]Day, 0, len(file.Days)),
	}
	for i, day := range file.Days {
		number := i + 1
		if len(day.Readings) == 0 {
			return Plan{}, fmt.Errorf("%w: %s: day %d has no readings", ErrInvalidPlan, source, number)
		}
		label := strings.TrimSpace(day.Label)
		if label == "" {
			label = fmt.Sprintf("Day %d", number)
		}
		readings := make([]Reading, 0, len(day.Readings))
		for _, raw := range day.Readings {
			passage, err := ref.ParseReference(raw)
			if err != nil {
				return Plan{}, fmt.Errorf("%w: %s: day %d: %v", ErrInvalidPlan, source, number, err)
			}
			readings = append(readings, Reading{
				Reference: strings.TrimSpace(raw),
				Passage:   passage,
			})
		}
		plan.Days = append(plan.Days, Day{Number: number, Label: label, Readings: readings})
	}
	return plan, nil
}

func validPlanID(id string) bool {
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-':
		default:
			return false
		}
	}
	return true
}
