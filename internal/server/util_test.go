package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/loykin/supervisr/internal/manager"
	"github.com/loykin/supervisr/internal/service"
)

func TestSanitizeBase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{" api ", "/api"},
	}
	for _, c := range cases {
		if got := sanitizeBase(c.in); got != c.want {
			t.Fatalf("sanitizeBase(%q)=%q want %q", c.in, got, c.want)
		}
	}
}

func TestIsSafeAbsPath(t *testing.T) {
	ok := []string{"", "/", "/tmp", "/tmp/x/", "/srv/app.py"}
	bad := []string{"tmp/x", "/tmp/../etc", "/tmp//x", "./x"}
	for _, p := range ok {
		if !isSafeAbsPath(p) {
			t.Errorf("expected %q to be allowed", p)
		}
	}
	for _, p := range bad {
		if isSafeAbsPath(p) {
			t.Errorf("expected %q to be rejected", p)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) { writeJSON(c, 201, map[string]any{"a": 1}) })
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
	if rec.Code != 201 {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type: %s", ct)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", service.ErrNotFound), http.StatusNotFound},
		{service.ErrDuplicateName, http.StatusConflict},
		{service.ErrInvalidState, http.StatusConflict},
		{service.ErrInvalidCommand, http.StatusBadRequest},
		{fmt.Errorf("%w: bad", service.ErrInvalidSchedule), http.StatusBadRequest},
		{manager.ErrClosed, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Errorf("statusFor(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}
