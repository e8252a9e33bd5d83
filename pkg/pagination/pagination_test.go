package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextFor(target string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestFromContext_Defaults(t *testing.T) {
	p, err := FromContext(contextFor("/"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	p, err := FromContext(contextFor("/?limit=50&offset=10"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Limit != 50 {
		t.Errorf("expected limit 50, got %d", p.Limit)
	}
	if p.Offset != 10 {
		t.Errorf("expected offset 10, got %d", p.Offset)
	}
}

func TestFromContext_Rejects(t *testing.T) {
	for _, target := range []string{
		"/?limit=0",
		"/?limit=501",
		"/?limit=ten",
		"/?offset=-5",
		"/?offset=x",
	} {
		if _, err := FromContext(contextFor(target)); err == nil {
			t.Errorf("FromContext(%s): expected error", target)
		}
	}
}

func TestNewResponse(t *testing.T) {
	p := Params{Limit: 2, Offset: 4}

	r := NewResponse([]string{"a", "b", "c"}, p)
	if len(r.Data) != 2 || !r.HasMore {
		t.Errorf("expected a full page with more, got %+v", r)
	}
	if r.Offset != 4 || r.Limit != 2 {
		t.Errorf("unexpected window %+v", r)
	}

	r = NewResponse([]string{"a"}, p)
	if len(r.Data) != 1 || r.HasMore {
		t.Errorf("expected a last page, got %+v", r)
	}

	r = NewResponse[string](nil, p)
	if r.Data == nil {
		t.Error("expected empty data to encode as []")
	}
}

func TestParams_FetchAndNextOffset(t *testing.T) {
	p := Params{Limit: 10, Offset: 5}
	if got := p.Fetch(); got != 11 {
		t.Errorf("Fetch() = %d, want 11", got)
	}
	if got := p.NextOffset(); got != 15 {
		t.Errorf("NextOffset() = %d, want 15", got)
	}
}
