// Package patient converts between the remote FHIR Patient resource, the flat
// form edited by the UI, and the flattened cache row.
package patient

import (
	"time"

	"github.com/ehr/fhircache/internal/platform/fhir"
	"github.com/ehr/fhircache/pkg/fhirmodels"
)

var mrnType = &fhir.CodeableConcept{
	Coding: []fhir.Coding{{System: fhirmodels.IdentifierTypeSystem, Code: fhirmodels.IdentifierTypeMRN}},
}

// Resource is the part of a FHIR Patient this service reads. Anything else in
// the payload is carried through untouched.
type Resource struct {
	ResourceType string              `json:"resourceType"`
	ID           string              `json:"id,omitempty"`
	Meta         *fhir.Meta          `json:"meta,omitempty"`
	Active       *bool               `json:"active,omitempty"`
	Identifier   []fhir.Identifier   `json:"identifier,omitempty"`
	Name         []fhir.HumanName    `json:"name,omitempty"`
	Telecom      []fhir.ContactPoint `json:"telecom,omitempty"`
	Gender       string              `json:"gender,omitempty"`
	BirthDate    string              `json:"birthDate,omitempty"`
	Address      []fhir.Address      `json:"address,omitempty"`
}

// Form is the flat patient record used by the /api/v1 surface.
type Form struct {
	ID          string     `json:"id,omitempty"`
	Given       string     `json:"given"`
	Family      string     `json:"family"`
	Gender      string     `json:"gender,omitempty"`
	BirthDate   string     `json:"birth_date,omitempty"`
	Phone       string     `json:"phone,omitempty"`
	Email       string     `json:"email,omitempty"`
	MRN         string     `json:"mrn,omitempty"`
	Active      *bool      `json:"active,omitempty"`
	AddressLine string     `json:"address_line,omitempty"`
	City        string     `json:"city,omitempty"`
	State       string     `json:"state,omitempty"`
	PostalCode  string     `json:"postal_code,omitempty"`
	Country     string     `json:"country,omitempty"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
}

func (f *Form) hasAddress() bool {
	return f.AddressLine != "" || f.City != "" || f.State != "" || f.PostalCode != "" || f.Country != ""
}

// primaryName picks the official name, falling back to the first one.
func (r *Resource) primaryName() (fhir.HumanName, int) {
	for i, n := range r.Name {
		if n.Use == fhirmodels.NameUseOfficial {
			return n, i
		}
	}
	if len(r.Name) > 0 {
		return r.Name[0], 0
	}
	return fhir.HumanName{}, -1
}

func (r *Resource) firstTelecom(system string) string {
	for _, t := range r.Telecom {
		if t.System == system && t.Value != "" {
			return t.Value
		}
	}
	return ""
}

// mrn returns the medical record number, or the first identifier value when
// none is typed MR.
func (r *Resource) mrn() string {
	for _, id := range r.Identifier {
		if isMRN(id) {
			return id.Value
		}
	}
	if len(r.Identifier) > 0 {
		return r.Identifier[0].Value
	}
	return ""
}

func isMRN(id fhir.Identifier) bool {
	if id.Type == nil {
		return false
	}
	for _, c := range id.Type.Coding {
		if c.Code == fhirmodels.IdentifierTypeMRN {
			return true
		}
	}
	return false
}
