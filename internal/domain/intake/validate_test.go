package intake_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drfirst/go-intake/internal/domain/intake"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name         string
		edit         func(p *intake.DraftPatient)
		wantFields   []string
		wantWarnings []string
	}{
		{name: "complete draft", edit: func(p *intake.DraftPatient) {}},
		{name: "alternate date layout", edit: func(p *intake.DraftPatient) { p.DOB = "03/02/1981" }},
		{name: "exactly 18", edit: func(p *intake.DraftPatient) { p.DOB = "2008-10-16" }},
		{
			name:         "one day short of 18",
			edit:         func(p *intake.DraftPatient) { p.DOB = "2008-10-17" },
			wantWarnings: []string{"dob"},
		},
		{name: "exactly 130", edit: func(p *intake.DraftPatient) { p.DOB = "1896-10-16" }},
		{
			name:         "older than 130",
			edit:         func(p *intake.DraftPatient) { p.DOB = "1895-10-16" },
			wantWarnings: []string{"dob"},
		},
		{
			name:         "date of birth in the future",
			edit:         func(p *intake.DraftPatient) { p.DOB = "2026-10-17" },
			wantWarnings: []string{"dob"},
		},
		{
			name:       "unparseable date of birth",
			edit:       func(p *intake.DraftPatient) { p.DOB = "1981-13-40" },
			wantFields: []string{"dob"},
		},
		{name: "admitted exactly 90 days ago", edit: func(p *intake.DraftPatient) { p.AdmitDate = "2026-07-18" }},
		{
			name:         "admitted 91 days ago",
			edit:         func(p *intake.DraftPatient) { p.AdmitDate = "2026-07-17" },
			wantWarnings: []string{"admitdate"},
		},
		{name: "admitted today", edit: func(p *intake.DraftPatient) { p.AdmitDate = "2026-10-16" }},
		{
			name:       "admit date in the future",
			edit:       func(p *intake.DraftPatient) { p.AdmitDate = "2026-10-17" },
			wantFields: []string{"admitdate"},
		},
		{
			name:       "unparseable admit date",
			edit:       func(p *intake.DraftPatient) { p.AdmitDate = "yesterday" },
			wantFields: []string{"admitdate"},
		},
		{name: "discharged on admit day", edit: func(p *intake.DraftPatient) { p.DischargeDate = "2026-10-10" }},
		{
			name:       "discharged before admit",
			edit:       func(p *intake.DraftPatient) { p.DischargeDate = "2026-10-09" },
			wantFields: []string{"dischargedate"},
		},
		{
			name:       "unparseable discharge date",
			edit:       func(p *intake.DraftPatient) { p.DischargeDate = "soon" },
			wantFields: []string{"dischargedate"},
		},
		{
			name:       "missing facility",
			edit:       func(p *intake.DraftPatient) { p.FacilityID = 0 },
			wantFields: []string{"facility_id"},
		},
		{
			name:       "missing provider",
			edit:       func(p *intake.DraftPatient) { p.ProviderID = 0 },
			wantFields: []string{"provider_id"},
		},
		{
			name:       "blank names",
			edit:       func(p *intake.DraftPatient) { p.FirstName = " "; p.LastName = "" },
			wantFields: []string{"firstname", "lastname"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := draft("Ada", "Lovelace")
			tt.edit(&p)

			check := intake.Validate(p, 3, today)

			var fields, warnings []string
			for _, f := range check.Fields {
				assert.Equal(t, 3, f.Index)
				assert.NotEmpty(t, f.Message)
				fields = append(fields, f.Field)
			}
			for _, w := range check.Warnings {
				warnings = append(warnings, w.Field)
			}
			assert.Equal(t, tt.wantFields, fields)
			assert.Equal(t, tt.wantWarnings, warnings)
		})
	}
}

func TestValidate_MissingFieldMessages(t *testing.T) {
	p := draft("Ada", "Lovelace")
	p.FacilityID = 0
	p.ProviderID = 0

	check := intake.Validate(p, 0, today)
	msgs := make([]string, 0, len(check.Fields))
	for _, f := range check.Fields {
		msgs = append(msgs, f.Message)
	}
	assert.ElementsMatch(t, []string{"Facility is required", "Provider is required"}, msgs)
}
