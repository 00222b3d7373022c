package fhir

import "testing"

func TestOperationOutcomeDiagnostics(t *testing.T) {
	oo := MultipleIssuesOutcome([]OperationOutcomeIssue{
		{Severity: IssueSeverityError, Code: IssueTypeRequired, Diagnostics: "name is required"},
		{Severity: IssueSeverityError, Code: IssueTypeValue, Details: &CodeableConcept{Text: "bad gender"}},
		{Severity: IssueSeverityWarning, Code: IssueTypeProcessing},
	})
	if got := oo.Diagnostics(); got != "name is required; bad gender; processing" {
		t.Errorf("Diagnostics() = %q", got)
	}
	if !oo.HasErrors() {
		t.Error("expected HasErrors")
	}

	var nilOO *OperationOutcome
	if nilOO.Diagnostics() != "" {
		t.Error("nil outcome should have empty diagnostics")
	}
	if InformationOutcome("ok").HasErrors() {
		t.Error("information outcome should not report errors")
	}
}
