package pagination

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(t *testing.T, target string) (Params, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	return FromContext(e.NewContext(req, rec))
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		wantLimit  int
		wantOffset int
	}{
		{"defaults", "/", DefaultLimit, 0},
		{"plain names", "/?limit=50&offset=10", 50, 10},
		{"fhir names", "/?_count=25&_offset=5", 25, 5},
		{"fhir names win", "/?_count=7&limit=50&_offset=3&offset=9", 7, 3},
		{"clamped", "/?_count=1000", MaxLimit, 0},
		{"zero count", "/?_count=0", DefaultLimit, 0},
		{"negative offset", "/?_offset=-4", DefaultLimit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := paramsFor(t, tt.target)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
				t.Errorf("got limit=%d offset=%d, want %d/%d", p.Limit, p.Offset, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}

func TestFromContext_Invalid(t *testing.T) {
	for _, target := range []string{"/?_count=ten", "/?_offset=1.5", "/?limit=x"} {
		if _, err := paramsFor(t, target); !errors.Is(err, ErrInvalid) {
			t.Errorf("%s: expected ErrInvalid, got %v", target, err)
		}
	}
}

func TestIsControl(t *testing.T) {
	for _, name := range []string{"_count", "_offset", "_sort", "_total", "limit"} {
		if !IsControl(name) {
			t.Errorf("expected %s to be a control parameter", name)
		}
	}
	for _, name := range []string{"family", "name:exact", "_id", "_lastUpdated"} {
		if IsControl(name) {
			t.Errorf("expected %s to be a filter", name)
		}
	}
}

func TestNewResponse(t *testing.T) {
	data := []string{"a", "b"}
	resp := NewResponse(data, 10, Params{Limit: 2, Offset: 0})

	if resp.Total != 10 {
		t.Errorf("expected total 10, got %d", resp.Total)
	}
	if !resp.HasMore {
		t.Error("expected has_more to be true")
	}

	last := NewResponse(data, 10, Params{Limit: 2, Offset: 8})
	if last.HasMore {
		t.Error("expected has_more to be false on the last page")
	}
}

func TestParams_Offsets(t *testing.T) {
	p := Params{Limit: 10, Offset: 5}
	if p.NextOffset() != 15 {
		t.Errorf("expected next offset 15, got %d", p.NextOffset())
	}
	if p.PreviousOffset() != 0 {
		t.Errorf("expected previous offset 0, got %d", p.PreviousOffset())
	}
	if !p.HasPrevious() {
		t.Error("expected a previous page")
	}
	if (Params{Limit: 10}).HasPrevious() {
		t.Error("expected no previous page at offset 0")
	}
	if p.HasNext(15) {
		t.Error("expected no next page when the page reaches the total")
	}
}
