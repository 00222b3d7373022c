package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ehr/fhircache/internal/platform/fhir"
)

// IsNotFound reports whether err means the resource does not exist remotely,
// including resources the server reports as deleted.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrGone)
}

// Read fetches one Patient.
func (c *Client) Read(ctx context.Context, id string) (json.RawMessage, error) {
	resp, err := c.do(ctx, http.MethodGet, c.resourceURL(id), nil, nil)
	if err != nil {
		return nil, err
	}
	return resp.body, nil
}

// Create posts a new Patient and returns the stored representation,
// including the server-assigned id.
func (c *Client) Create(ctx context.Context, resource json.RawMessage) (json.RawMessage, error) {
	resp, err := c.do(ctx, http.MethodPost, c.resourceURL(), resource, preferRepresentation())
	if err != nil {
		return nil, err
	}
	if hasResource(resp.body) {
		return resp.body, nil
	}

	id := idFromLocation(resp.header.Get("Location"))
	if id == "" {
		id = idFromLocation(resp.header.Get("Content-Location"))
	}
	if id == "" {
		return nil, fmt.Errorf("%w: create returned neither a body nor a Location", ErrMalformed)
	}
	return c.Read(ctx, id)
}

// Update replaces a Patient and returns the stored representation.
func (c *Client) Update(ctx context.Context, id string, resource json.RawMessage) (json.RawMessage, error) {
	resp, err := c.do(ctx, http.MethodPut, c.resourceURL(id), resource, preferRepresentation())
	if err != nil {
		return nil, err
	}
	if hasResource(resp.body) {
		return resp.body, nil
	}
	return c.Read(ctx, id)
}

// Delete removes a Patient. A remote 404 is returned as ErrNotFound.
func (c *Client) Delete(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, c.resourceURL(id), nil, nil)
	return err
}

func preferRepresentation() http.Header {
	h := http.Header{}
	h.Set("Prefer", "return=representation")
	return h
}

// hasResource reports whether body is a Patient rather than empty or an
// informational OperationOutcome.
func hasResource(body []byte) bool {
	var probe struct {
		ResourceType string `json:"resourceType"`
	}
	if len(body) == 0 || json.Unmarshal(body, &probe) != nil {
		return false
	}
	return probe.ResourceType == fhir.ResourceTypePatient
}

// idFromLocation extracts the logical id from "…/Patient/{id}[/_history/{v}]".
func idFromLocation(loc string) string {
	if loc == "" {
		return ""
	}
	if u, err := url.Parse(loc); err == nil {
		loc = u.Path
	}
	segs := strings.Split(strings.Trim(loc, "/"), "/")
	for i := len(segs) - 2; i >= 0; i-- {
		if segs[i] == fhir.ResourceTypePatient && segs[i+1] != "" {
			return segs[i+1]
		}
	}
	return ""
}
