package fhir

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestMeta_LastUpdatedOmittedWhenNil(t *testing.T) {
	data, err := json.Marshal(Meta{VersionID: "3"})
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	if strings.Contains(string(data), "lastUpdated") {
		t.Errorf("expected no lastUpdated, got %s", data)
	}

	var m Meta
	if err := json.Unmarshal([]byte(`{"versionId":"3"}`), &m); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if m.LastUpdated != nil {
		t.Errorf("expected nil LastUpdated, got %v", m.LastUpdated)
	}
}

func TestMeta_LastUpdatedParsed(t *testing.T) {
	var m Meta
	if err := json.Unmarshal([]byte(`{"lastUpdated":"2024-05-01T10:00:00.123+02:00"}`), &m); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if m.LastUpdated == nil {
		t.Fatal("expected LastUpdated to be set")
	}
	want := time.Date(2024, 5, 1, 8, 0, 0, 123000000, time.UTC)
	if !m.LastUpdated.Equal(want) {
		t.Errorf("LastUpdated = %v, want %v", m.LastUpdated, want)
	}
}

func TestHumanName_JSON(t *testing.T) {
	var n HumanName
	if err := json.Unmarshal([]byte(`{"use":"official","family":"Lovelace","given":["Ada","King"],"prefix":["Lady"]}`), &n); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if n.Family != "Lovelace" || len(n.Given) != 2 || n.Given[1] != "King" || n.Prefix[0] != "Lady" {
		t.Errorf("unexpected name: %+v", n)
	}

	data, err := json.Marshal(HumanName{Family: "Hopper"})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"family":"Hopper"}` {
		t.Errorf("expected empty elements omitted, got %s", data)
	}
}

func TestContactPoint_JSON(t *testing.T) {
	var cp ContactPoint
	if err := json.Unmarshal([]byte(`{"system":"phone","value":"555-0100","use":"mobile","rank":1}`), &cp); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if cp.System != "phone" || cp.Value != "555-0100" || cp.Use != "mobile" || cp.Rank != 1 {
		t.Errorf("unexpected contact point: %+v", cp)
	}
}

func TestAddress_JSON(t *testing.T) {
	var a Address
	if err := json.Unmarshal([]byte(`{"line":["1 Main St","Apt 2"],"city":"Springfield","postalCode":"62701","country":"US"}`), &a); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if len(a.Line) != 2 || a.City != "Springfield" || a.PostalCode != "62701" || a.Country != "US" {
		t.Errorf("unexpected address: %+v", a)
	}
	if a.State != "" {
		t.Errorf("expected empty state, got %q", a.State)
	}
}

func TestIdentifier_TypeCoding(t *testing.T) {
	raw := `{"use":"usual","type":{"coding":[{"system":"http://terminology.hl7.org/CodeSystem/v2-0203","code":"MR"}]},"value":"MRN1"}`
	var id Identifier
	if err := json.Unmarshal([]byte(raw), &id); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if id.Type == nil || len(id.Type.Coding) != 1 || id.Type.Coding[0].Code != "MR" {
		t.Fatalf("unexpected type: %+v", id.Type)
	}
	if id.Value != "MRN1" {
		t.Errorf("Value = %q", id.Value)
	}

	data, err := json.Marshal(Identifier{Value: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"value":"x"}` {
		t.Errorf("expected nil type omitted, got %s", data)
	}
}

func TestNewOperationOutcome(t *testing.T) {
	o := NewOperationOutcome(IssueSeverityWarning, IssueTypeProcessing, "careful")
	if o.ResourceType != "OperationOutcome" {
		t.Errorf("ResourceType = %q", o.ResourceType)
	}
	if len(o.Issue) != 1 || o.Issue[0].Severity != "warning" || o.Issue[0].Diagnostics != "careful" {
		t.Errorf("unexpected issues: %+v", o.Issue)
	}
	if o.HasErrors() {
		t.Error("a warning outcome has no errors")
	}
}

func TestErrorAndNotFoundOutcome(t *testing.T) {
	if o := ErrorOutcome("boom"); !o.HasErrors() || o.Issue[0].Code != "processing" {
		t.Errorf("unexpected error outcome: %+v", o.Issue)
	}
	o := NotFoundOutcome(ResourceTypePatient, "p1")
	if o.Issue[0].Code != IssueTypeNotFound {
		t.Errorf("Code = %q", o.Issue[0].Code)
	}
	if o.Issue[0].Diagnostics != "Patient/p1 not found" {
		t.Errorf("Diagnostics = %q", o.Issue[0].Diagnostics)
	}
}
