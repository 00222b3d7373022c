package activity

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestLog_RecentNewestFirst(t *testing.T) {
	l := NewLog(3)
	for i := 0; i < 5; i++ {
		l.Record(Event{Kind: KindRemoteCall, Target: fmt.Sprintf("t%d", i)})
	}

	if l.Len() != 3 {
		t.Fatalf("expected 3 events, got %d", l.Len())
	}
	got := l.Recent(0)
	want := []string{"t4", "t3", "t2"}
	for i, w := range want {
		if got[i].Target != w {
			t.Errorf("event %d target = %q, want %q", i, got[i].Target, w)
		}
	}
	if got[0].ID == "" || got[0].Time.IsZero() {
		t.Error("expected ID and Time to be filled in")
	}

	if n := len(l.Recent(2)); n != 2 {
		t.Errorf("expected 2 events with limit, got %d", n)
	}
}

func TestLog_PartiallyFilled(t *testing.T) {
	l := NewLog(10)
	l.Record(Event{Target: "a"})
	l.Record(Event{Target: "b"})

	got := l.Recent(50)
	if len(got) != 2 || got[0].Target != "b" || got[1].Target != "a" {
		t.Errorf("unexpected events %+v", got)
	}
}

func TestLog_NilIsSafe(t *testing.T) {
	var l *Log
	l.Record(Event{Target: "x"})
	if len(l.Recent(5)) != 0 {
		t.Error("expected no events from a nil log")
	}
}

func TestMiddleware(t *testing.T) {
	l := NewLog(10)
	e := echo.New()
	mw := Middleware(l, func(p string) bool { return strings.HasPrefix(p, "/health") })

	h := mw(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "gone")
	})
	req := httptest.NewRequest(http.MethodGet, "/fhir/Patient/1", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.Set("request_id", "rid-1")
	if err := h(c); err == nil {
		t.Fatal("expected handler error to propagate")
	}

	skipped := mw(func(c echo.Context) error { return errors.New("unused") })
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	_ = skipped(e.NewContext(req, httptest.NewRecorder()))

	got := l.Recent(0)
	if len(got) != 1 {
		t.Fatalf("expected 1 recorded request, got %d", len(got))
	}
	if got[0].Status != http.StatusNotFound || got[0].Target != "/fhir/Patient/1" || got[0].RequestID != "rid-1" {
		t.Errorf("unexpected event %+v", got[0])
	}
}
