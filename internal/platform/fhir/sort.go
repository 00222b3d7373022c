package fhir

import (
	"strings"
)

// SortSpec represents a single sort directive.
type SortSpec struct {
	Field      string
	Descending bool
}

// ParseSort parses the _sort query parameter value.
// Format: "-birthdate,family" means birthdate DESC, family ASC.
// A leading "-" indicates descending order.
func ParseSort(sortParam string) []SortSpec {
	if sortParam == "" {
		return nil
	}

	parts := strings.Split(sortParam, ",")
	specs := make([]SortSpec, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		spec := SortSpec{}
		if strings.HasPrefix(part, "-") {
			spec.Descending = true
			spec.Field = part[1:]
		} else {
			spec.Field = part
		}

		if spec.Field != "" {
			specs = append(specs, spec)
		}
	}

	return specs
}

// FormatSort is the inverse of ParseSort.
func FormatSort(specs []SortSpec) string {
	parts := make([]string, 0, len(specs))
	for _, s := range specs {
		if s.Descending {
			parts = append(parts, "-"+s.Field)
		} else {
			parts = append(parts, s.Field)
		}
	}
	return strings.Join(parts, ",")
}
