package intake

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const dateLayout = "2006-01-02"

// Heuristic thresholds that raise a confirmation instead of blocking
const (
	MinAdultAge     = 18
	MaxPlausibleAge = 130
	StaleAdmitDays  = 90
)

var dateLayouts = []string{dateLayout, "01/02/2006", time.RFC3339}

var fieldLabels = map[string]string{
	"firstname":   "First name",
	"lastname":    "Last name",
	"dob":         "Date of birth",
	"admitdate":   "Admit date",
	"visittype":   "Visit type",
	"facility_id": "Facility",
	"provider_id": "Provider",
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// FieldError is a blocking problem with one field of one draft
type FieldError struct {
	DraftID string `json:"draft_id"`
	Index   int    `json:"index"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Warning is a plausibility concern the clinician may override
type Warning struct {
	DraftID string `json:"draft_id"`
	Index   int    `json:"index"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError blocks an advance or save until the fields are corrected
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		msgs = append(msgs, f.Message)
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// IsValidationError reports whether err carries field errors
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Check is the outcome of validating one draft
type Check struct {
	Fields   []FieldError
	Warnings []Warning
}

// Validate applies the same rules used for advancing and saving. Hard errors
// block; warnings require confirmation.
func Validate(p DraftPatient, index int, now time.Time) Check {
	var c Check
	fail := func(field, msg string) {
		c.Fields = append(c.Fields, FieldError{DraftID: p.DraftID, Index: index, Field: field, Message: msg})
	}
	warn := func(field, msg string) {
		c.Warnings = append(c.Warnings, Warning{DraftID: p.DraftID, Index: index, Field: field, Message: msg})
	}

	trimmed := p
	trimmed.FirstName = strings.TrimSpace(p.FirstName)
	trimmed.LastName = strings.TrimSpace(p.LastName)
	trimmed.DOB = strings.TrimSpace(p.DOB)
	trimmed.AdmitDate = strings.TrimSpace(p.AdmitDate)
	trimmed.VisitType = strings.TrimSpace(p.VisitType)

	if err := validate.Struct(trimmed); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			fail("", err.Error())
			return c
		}
		for _, fe := range verrs {
			label, ok := fieldLabels[fe.Field()]
			if !ok {
				label = fe.Field()
			}
			fail(fe.Field(), label+" is required")
		}
	}

	today := dateOnly(now)

	if trimmed.DOB != "" {
		dob, err := parseDate(trimmed.DOB)
		if err != nil {
			fail("dob", "Date of birth is not a valid date")
		} else if dob.After(today) {
			warn("dob", "Date of birth is in the future")
		} else {
			age := ageOn(dob, today)
			if age < MinAdultAge {
				warn("dob", fmt.Sprintf("%s is under %d (age %d)", p.DisplayName(), MinAdultAge, age))
			}
			if age > MaxPlausibleAge {
				warn("dob", fmt.Sprintf("%s would be %d years old", p.DisplayName(), age))
			}
		}
	}

	var admit time.Time
	if trimmed.AdmitDate != "" {
		var err error
		admit, err = parseDate(trimmed.AdmitDate)
		if err != nil {
			fail("admitdate", "Admit date is not a valid date")
		} else if admit.After(today) {
			fail("admitdate", "Admit date cannot be in the future")
		} else if admit.Before(today.AddDate(0, 0, -StaleAdmitDays)) {
			warn("admitdate", fmt.Sprintf("Admit date is more than %d days ago", StaleAdmitDays))
		}
	}

	if d := strings.TrimSpace(p.DischargeDate); d != "" {
		discharge, err := parseDate(d)
		if err != nil {
			fail("dischargedate", "Discharge date is not a valid date")
		} else if !admit.IsZero() && discharge.Before(admit) {
			fail("dischargedate", "Discharge date cannot be before admit date")
		}
	}

	return c
}

// duplicateIdentities flags drafts that share name and date of birth
func duplicateIdentities(patients []DraftPatient) []FieldError {
	first := make(map[string]int, len(patients))
	var errs []FieldError
	for i, p := range patients {
		k := p.IdentityKey()
		j, seen := first[k]
		if !seen {
			first[k] = i
			continue
		}
		msg := fmt.Sprintf("%s (%s) appears more than once in this batch", p.DisplayName(), strings.TrimSpace(p.DOB))
		if j >= 0 {
			errs = append(errs, FieldError{DraftID: patients[j].DraftID, Index: j, Field: "identity", Message: msg})
			first[k] = -1
		}
		errs = append(errs, FieldError{DraftID: p.DraftID, Index: i, Field: "identity", Message: msg})
	}
	return errs
}

func parseDate(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return dateOnly(t), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func ageOn(dob, day time.Time) int {
	age := day.Year() - dob.Year()
	if day.Month() < dob.Month() || (day.Month() == dob.Month() && day.Day() < dob.Day()) {
		age--
	}
	return age
}
