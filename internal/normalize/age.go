package normalize

import "time"

// AgePolicy derives a patient's age from date of birth and admission
// date.
type AgePolicy func(dateOfBirth, admission time.Time) int

// AgeYearDelta is the default policy: admission year minus birth year,
// ignoring month and day. This is a documented approximation carried
// over from the source data conventions — kept as a named policy so it
// can be swapped without silently changing numeric output.
func AgeYearDelta(dateOfBirth, admission time.Time) int {
	return admission.Year() - dateOfBirth.Year()
}
