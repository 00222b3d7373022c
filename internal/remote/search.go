package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/fhircache/internal/platform/fhir"
)

// SearchRequest is a Patient search against the remote.
type SearchRequest struct {
	// Filters are FHIR search parameters, keys may carry a modifier.
	Filters map[string]string
	Sort    []fhir.SortSpec
	Count   int
	Offset  int
	// AccurateTotal asks the server to count every match (_total=accurate).
	AccurateTotal bool
	// UpdatedAfter restricts results to resources modified strictly after it.
	UpdatedAfter *time.Time
}

// Page is one normalized page of a searchset.
type Page struct {
	Resources []json.RawMessage
	// Total is nil when the server did not report one.
	Total *int
	// Next is the continuation link, empty on the last page.
	Next string
}

// Values renders the request as query parameters.
func (r SearchRequest) Values() url.Values {
	v := url.Values{}
	keys := make([]string, 0, len(r.Filters))
	for k := range r.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v.Set(k, r.Filters[k])
	}
	if r.UpdatedAfter != nil {
		v.Set("_lastUpdated", "gt"+fhir.FormatInstant(*r.UpdatedAfter))
	}
	if len(r.Sort) > 0 {
		v.Set("_sort", fhir.FormatSort(r.Sort))
	}
	if r.Count > 0 {
		v.Set("_count", strconv.Itoa(r.Count))
	}
	if r.Offset > 0 {
		v.Set("_offset", strconv.Itoa(r.Offset))
	}
	if r.AccurateTotal {
		v.Set("_total", "accurate")
	}
	return v
}

// Search runs a Patient search and returns its first page.
func (c *Client) Search(ctx context.Context, req SearchRequest) (*Page, error) {
	u := c.resourceURL()
	if q := req.Values().Encode(); q != "" {
		u += "?" + q
	}
	return c.fetchPage(ctx, u)
}

// NextPage follows a continuation link returned in a previous Page. Relative
// links are resolved against the base; links to any other host are refused.
func (c *Client) NextPage(ctx context.Context, next string) (*Page, error) {
	ref, err := url.Parse(next)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	base := *c.base
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	u := base.ResolveReference(ref)
	if u.Scheme != c.base.Scheme || u.Host != c.base.Host {
		return nil, fmt.Errorf("%w: %s", ErrForeignLink, u.Host)
	}
	return c.fetchPage(ctx, u.String())
}

func (c *Client) fetchPage(ctx context.Context, u string) (*Page, error) {
	resp, err := c.do(ctx, http.MethodGet, u, nil, nil)
	if err != nil {
		return nil, err
	}

	var b fhir.Bundle
	if err := json.Unmarshal(resp.body, &b); err != nil {
		return nil, fmt.Errorf("%w: decode bundle: %v", ErrMalformed, err)
	}
	if b.ResourceType != "Bundle" {
		return nil, fmt.Errorf("%w: expected Bundle, got %q", ErrMalformed, b.ResourceType)
	}

	p := &Page{
		Resources: make([]json.RawMessage, 0, len(b.Entry)),
		Total:     b.Total,
		Next:      b.LinkURL("next"),
	}
	for _, e := range b.Entry {
		if len(e.Resource) == 0 {
			continue
		}
		if e.Search != nil && e.Search.Mode != "" && e.Search.Mode != "match" {
			continue
		}
		p.Resources = append(p.Resources, e.Resource)
	}
	return p, nil
}
