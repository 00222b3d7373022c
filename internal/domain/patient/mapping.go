package patient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ehr/fhircache/internal/cache"
	"github.com/ehr/fhircache/internal/platform/fhir"
	"github.com/ehr/fhircache/pkg/fhirmodels"
)

var (
	// ErrNotPatient is returned for payloads whose resourceType is not Patient.
	ErrNotPatient = errors.New("patient: resource is not a Patient")
	// ErrMissingID is returned when a remote payload has no logical id.
	ErrMissingID = errors.New("patient: resource has no id")
)

// Decode parses a Patient payload.
func Decode(raw []byte) (*Resource, error) {
	var r Resource
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("patient: decode: %w", err)
	}
	if r.ResourceType != fhir.ResourceTypePatient {
		return nil, fmt.Errorf("%w: %q", ErrNotPatient, r.ResourceType)
	}
	return &r, nil
}

// ToRecord flattens a remote payload into a cache row. The payload is stored
// as received. When the remote omits meta.lastUpdated, syncedAt is used.
func ToRecord(raw []byte, syncedAt time.Time) (*cache.Record, error) {
	r, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	if r.ID == "" {
		return nil, ErrMissingID
	}

	name, _ := r.primaryName()
	given := strings.Join(name.Given, " ")
	display := name.Text
	if display == "" {
		display = strings.TrimSpace(given + " " + name.Family)
	}

	lastUpdated := syncedAt
	if r.Meta != nil && r.Meta.LastUpdated != nil {
		lastUpdated = *r.Meta.LastUpdated
	}

	return &cache.Record{
		ID:          r.ID,
		Given:       given,
		Family:      name.Family,
		DisplayName: display,
		Gender:      r.Gender,
		BirthDate:   r.BirthDate,
		Phone:       r.firstTelecom(fhirmodels.ContactSystemPhone),
		Email:       r.firstTelecom(fhirmodels.ContactSystemEmail),
		Identifier:  r.mrn(),
		Payload:     bytes.Clone(raw),
		LastUpdated: lastUpdated.UTC(),
		SyncedAt:    syncedAt.UTC(),
	}, nil
}

// FormFromResource builds the flat form for a Patient payload.
func FormFromResource(raw []byte) (*Form, error) {
	r, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	name, _ := r.primaryName()
	f := &Form{
		ID:        r.ID,
		Given:     strings.Join(name.Given, " "),
		Family:    name.Family,
		Gender:    r.Gender,
		BirthDate: r.BirthDate,
		Phone:     r.firstTelecom(fhirmodels.ContactSystemPhone),
		Email:     r.firstTelecom(fhirmodels.ContactSystemEmail),
		MRN:       r.mrn(),
		Active:    r.Active,
	}
	if len(r.Address) > 0 {
		a := r.Address[0]
		f.AddressLine = strings.Join(a.Line, ", ")
		f.City = a.City
		f.State = a.State
		f.PostalCode = a.PostalCode
		f.Country = a.Country
	}
	if r.Meta != nil && r.Meta.LastUpdated != nil {
		t := r.Meta.LastUpdated.UTC()
		f.LastUpdated = &t
	}
	return f, nil
}

// ToResource renders the form as a Patient payload. When base is non-empty
// the form is merged into it: elements the form does not model are kept as
// they were, and only the modeled parts of name, telecom, identifier and
// address are rewritten.
func (f *Form) ToResource(base []byte) (json.RawMessage, error) {
	doc := map[string]json.RawMessage{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &doc); err != nil {
			return nil, fmt.Errorf("patient: decode base: %w", err)
		}
	}
	var cur Resource
	if len(base) > 0 {
		if err := json.Unmarshal(base, &cur); err != nil {
			return nil, fmt.Errorf("patient: decode base: %w", err)
		}
	}

	set := func(key string, v interface{}, empty bool) error {
		if empty {
			delete(doc, key)
			return nil
		}
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		doc[key] = b
		return nil
	}

	id := f.ID
	if id == "" {
		id = cur.ID
	}
	if err := set("resourceType", fhir.ResourceTypePatient, false); err != nil {
		return nil, err
	}
	if err := set("id", id, id == ""); err != nil {
		return nil, err
	}
	if f.Active != nil {
		if err := set("active", *f.Active, false); err != nil {
			return nil, err
		}
	}
	if err := set("gender", f.Gender, f.Gender == ""); err != nil {
		return nil, err
	}
	if err := set("birthDate", f.BirthDate, f.BirthDate == ""); err != nil {
		return nil, err
	}

	merges := []struct {
		key   string
		merge func([]json.RawMessage) ([]json.RawMessage, error)
	}{
		{"name", func(e []json.RawMessage) ([]json.RawMessage, error) { return mergeName(e, cur, f) }},
		{"telecom", func(e []json.RawMessage) ([]json.RawMessage, error) { return mergeTelecom(e, cur.Telecom, f) }},
		{"identifier", func(e []json.RawMessage) ([]json.RawMessage, error) { return mergeIdentifier(e, cur.Identifier, f.MRN) }},
		{"address", func(e []json.RawMessage) ([]json.RawMessage, error) { return mergeAddress(e, f) }},
	}
	for _, m := range merges {
		var entries []json.RawMessage
		if raw, ok := doc[m.key]; ok {
			if err := json.Unmarshal(raw, &entries); err != nil {
				return nil, fmt.Errorf("patient: decode %s: %w", m.key, err)
			}
		}
		entries, err := m.merge(entries)
		if err != nil {
			return nil, fmt.Errorf("patient: merge %s: %w", m.key, err)
		}
		if err := set(m.key, entries, len(entries) == 0); err != nil {
			return nil, err
		}
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("patient: encode: %w", err)
	}
	return out, nil
}

// The merge helpers work on the raw array entries so that sub-elements the
// form does not model (period, extension, ...) survive. Only the modeled keys
// of the selected entry are rewritten; every other entry is passed through.
// The typed slices come from the same array, so indices line up.

// patchEntry rewrites keys of one JSON object. Keys in drop are removed.
func patchEntry(raw json.RawMessage, set map[string]interface{}, drop ...string) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		obj = map[string]json.RawMessage{}
	}
	for _, k := range drop {
		delete(obj, k)
	}
	for k, v := range set {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		obj[k] = b
	}
	return json.Marshal(obj)
}

func appendEntry(entries []json.RawMessage, v interface{}) ([]json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(entries, b), nil
}

// mergeName rewrites family and given of the primary name. Its text is
// dropped since it would no longer match.
func mergeName(entries []json.RawMessage, cur Resource, f *Form) ([]json.RawMessage, error) {
	_, idx := cur.primaryName()
	given := strings.Fields(f.Given)
	empty := f.Family == "" && len(given) == 0
	if idx >= 0 {
		n := cur.Name[idx]
		empty = empty && len(n.Prefix) == 0 && len(n.Suffix) == 0
	}

	switch {
	case idx < 0 && empty:
		return entries, nil
	case idx < 0:
		return appendEntry(entries, fhir.HumanName{Use: fhirmodels.NameUseOfficial, Family: f.Family, Given: given})
	case empty:
		return append(entries[:idx:idx], entries[idx+1:]...), nil
	}

	set := map[string]interface{}{}
	drop := []string{"text"}
	if f.Family != "" {
		set["family"] = f.Family
	} else {
		drop = append(drop, "family")
	}
	if len(given) > 0 {
		set["given"] = given
	} else {
		drop = append(drop, "given")
	}
	e, err := patchEntry(entries[idx], set, drop...)
	if err != nil {
		return nil, err
	}
	out := append([]json.RawMessage(nil), entries...)
	out[idx] = e
	return out, nil
}

// mergeTelecom replaces the first phone and first email, keeping other
// contact points in place.
func mergeTelecom(entries []json.RawMessage, cur []fhir.ContactPoint, f *Form) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(entries)+2)
	seen := map[string]bool{}
	want := map[string]string{fhirmodels.ContactSystemPhone: f.Phone, fhirmodels.ContactSystemEmail: f.Email}
	for i, cp := range cur {
		v, modeled := want[cp.System]
		if !modeled || seen[cp.System] {
			out = append(out, entries[i])
			continue
		}
		seen[cp.System] = true
		if v == "" {
			continue
		}
		e, err := patchEntry(entries[i], map[string]interface{}{"value": v})
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	var err error
	for _, system := range []string{fhirmodels.ContactSystemPhone, fhirmodels.ContactSystemEmail} {
		if !seen[system] && want[system] != "" {
			if out, err = appendEntry(out, fhir.ContactPoint{System: system, Value: want[system]}); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func mergeIdentifier(entries []json.RawMessage, cur []fhir.Identifier, mrn string) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(entries)+1)
	found := false
	for i, id := range cur {
		if !isMRN(id) || found {
			out = append(out, entries[i])
			continue
		}
		found = true
		if mrn == "" {
			continue
		}
		e, err := patchEntry(entries[i], map[string]interface{}{"value": mrn})
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if !found && mrn != "" && !hasIdentifierValue(cur, mrn) {
		return appendEntry(out, fhir.Identifier{Use: fhirmodels.IdentifierUseUsual, Type: mrnType, Value: mrn})
	}
	return out, nil
}

func hasIdentifierValue(ids []fhir.Identifier, v string) bool {
	for _, id := range ids {
		if id.Value == v {
			return true
		}
	}
	return false
}

// mergeAddress rewrites the first address. Its text is dropped like a name's.
func mergeAddress(entries []json.RawMessage, f *Form) ([]json.RawMessage, error) {
	if !f.hasAddress() {
		if len(entries) > 0 {
			return entries[1:], nil
		}
		return entries, nil
	}

	set := map[string]interface{}{}
	drop := []string{"text"}
	for k, v := range map[string]string{
		"city":       f.City,
		"state":      f.State,
		"postalCode": f.PostalCode,
		"country":    f.Country,
	} {
		if v != "" {
			set[k] = v
		} else {
			drop = append(drop, k)
		}
	}
	if f.AddressLine != "" {
		set["line"] = []string{f.AddressLine}
	} else {
		drop = append(drop, "line")
	}

	if len(entries) == 0 {
		return appendEntry(nil, set)
	}
	e, err := patchEntry(entries[0], set, drop...)
	if err != nil {
		return nil, err
	}
	out := append([]json.RawMessage(nil), entries...)
	out[0] = e
	return out, nil
}
