// Package pagination parses offset paging parameters and shapes paged
// responses for the flat JSON API.
package pagination

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// ErrInvalid is returned for paging parameters that are not integers.
var ErrInvalid = errors.New("pagination: invalid parameter")

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext extracts pagination parameters from the echo context. The FHIR
// names _count and _offset win over limit and offset. A missing or
// non-positive count falls back to DefaultLimit; counts above MaxLimit are
// clamped.
func FromContext(c echo.Context) (Params, error) {
	limit, err := intParam(c, "_count", "limit")
	if err != nil {
		return Params{}, err
	}
	offset, err := intParam(c, "_offset", "offset")
	if err != nil {
		return Params{}, err
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return Params{Limit: limit, Offset: offset}, nil
}

func intParam(c echo.Context, names ...string) (int, error) {
	for _, name := range names {
		raw := c.QueryParam(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("%w: %s=%q", ErrInvalid, name, raw)
		}
		return n, nil
	}
	return 0, nil
}

// IsControl reports whether a query parameter name is a paging or result
// control rather than a search filter.
func IsControl(name string) bool {
	switch name {
	case "_count", "_offset", "limit", "offset", "_sort", "_total", "_format", "_pretty", "_summary":
		return true
	}
	return false
}

// Response wraps a paginated API response.
type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
}

func NewResponse(data interface{}, total int, p Params) *Response {
	return &Response{
		Data:    data,
		Total:   total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.HasNext(total),
	}
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// HasPrevious returns true if there are results before the current page.
func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// PreviousOffset returns the offset for the previous page.
// Returns 0 if the result would be negative.
func (p Params) PreviousOffset() int {
	prev := p.Offset - p.Limit
	if prev < 0 {
		return 0
	}
	return prev
}
