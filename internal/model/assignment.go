package model

import (
	"time"

	"github.com/google/uuid"
)

// DefaultMaxWarnings is the per-category violation threshold used when an
// assignment does not configure one.
const DefaultMaxWarnings = 3

// Assignment represents the proctoring-relevant metadata of an assignment.
type Assignment struct {
	ID                 uuid.UUID `json:"id"`
	Title              string    `json:"title"`
	RequiresProctoring bool      `json:"requires_proctoring"`
	MaxWarnings        int       `json:"max_warnings"`
	TimeLimitMinutes   int       `json:"time_limit_minutes"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// EffectiveMaxWarnings returns MaxWarnings, falling back to the default for
// unset or invalid values.
func (a *Assignment) EffectiveMaxWarnings() int {
	if a.MaxWarnings <= 0 {
		return DefaultMaxWarnings
	}
	return a.MaxWarnings
}

// TimeLimitSeconds converts the configured limit. Zero means untimed.
func (a *Assignment) TimeLimitSeconds() int {
	if a.TimeLimitMinutes <= 0 {
		return 0
	}
	return a.TimeLimitMinutes * 60
}
