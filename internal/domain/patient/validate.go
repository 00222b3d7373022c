package patient

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/ehr/fhircache/internal/platform/fhir"
	"github.com/ehr/fhircache/pkg/fhirmodels"
)

var (
	emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phoneRe = regexp.MustCompile(`^[0-9+\-() .]+$`)
)

// FieldIssue is one rejected field and the reason.
type FieldIssue struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError collects every field problem found before a remote call.
type ValidationError struct {
	Issues []FieldIssue
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		parts[i] = is.Field + ": " + is.Reason
	}
	return "patient: invalid: " + strings.Join(parts, "; ")
}

// Outcome renders the issues as a FHIR OperationOutcome.
func (e *ValidationError) Outcome() *fhir.OperationOutcome {
	issues := make([]fhir.OperationOutcomeIssue, len(e.Issues))
	for i, is := range e.Issues {
		issues[i] = fhir.OperationOutcomeIssue{
			Severity:    fhir.IssueSeverityError,
			Code:        fhir.IssueTypeInvalid,
			Diagnostics: is.Field + ": " + is.Reason,
			Expression:  []string{is.Field},
		}
	}
	return fhir.MultipleIssuesOutcome(issues)
}

type checker struct {
	issues []FieldIssue
}

func (c *checker) add(field, format string, args ...interface{}) {
	c.issues = append(c.issues, FieldIssue{Field: field, Reason: fmt.Sprintf(format, args...)})
}

func (c *checker) err() error {
	if len(c.issues) == 0 {
		return nil
	}
	return &ValidationError{Issues: c.issues}
}

func (c *checker) fields(prefix string, given, family, gender, birthDate, phone, email string, now time.Time) {
	if strings.TrimSpace(given) == "" && strings.TrimSpace(family) == "" {
		c.add(prefix+"name", "given or family name is required")
	}
	if gender != "" && !slices.Contains(fhirmodels.Genders, gender) {
		c.add(prefix+"gender", "must be one of male, female, other, unknown")
	}
	if birthDate != "" {
		bd, err := fhir.ParseDate(birthDate)
		switch {
		case err != nil:
			c.add(prefix+"birthDate", "must be YYYY, YYYY-MM or YYYY-MM-DD")
		case bd.After(now):
			c.add(prefix+"birthDate", "must not be in the future")
		}
	}
	if phone != "" && !phoneRe.MatchString(phone) {
		c.add(prefix+"phone", "may only contain digits, spaces and + - ( ) .")
	}
	if email != "" && !emailRe.MatchString(email) {
		c.add(prefix+"email", "is not a valid email address")
	}
}

// Validate checks the form. now bounds the birth date.
func (f *Form) Validate(now time.Time) error {
	var c checker
	c.fields("", f.Given, f.Family, f.Gender, f.BirthDate, f.Phone, f.Email, now)
	return c.err()
}

// ValidateResource checks a FHIR Patient payload. When pathID is set the
// payload id must be absent or equal to it.
func ValidateResource(raw []byte, pathID string, now time.Time) error {
	var c checker
	var r Resource
	if err := json.Unmarshal(raw, &r); err != nil {
		c.add("Patient", "body is not valid FHIR JSON: %v", err)
		return c.err()
	}
	if r.ResourceType != fhir.ResourceTypePatient {
		c.add("Patient.resourceType", "must be Patient, got %q", r.ResourceType)
		return c.err()
	}
	if pathID != "" && r.ID != "" && r.ID != pathID {
		c.add("Patient.id", "%q does not match %q in the URL", r.ID, pathID)
	}

	name, _ := r.primaryName()
	given := strings.Join(name.Given, " ")
	family := name.Family
	if name.Text != "" && given == "" && family == "" {
		given = name.Text
	}
	c.fields("Patient.", given, family, r.Gender, r.BirthDate, "", "", now)

	for i, t := range r.Telecom {
		switch t.System {
		case fhirmodels.ContactSystemPhone:
			if t.Value != "" && !phoneRe.MatchString(t.Value) {
				c.add(fmt.Sprintf("Patient.telecom[%d].value", i), "is not a valid phone number")
			}
		case fhirmodels.ContactSystemEmail:
			if t.Value != "" && !emailRe.MatchString(t.Value) {
				c.add(fmt.Sprintf("Patient.telecom[%d].value", i), "is not a valid email address")
			}
		}
	}
	return c.err()
}
