package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/DEVIL0924/devil-cloud-advanced/internal/manager"
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

func TestIsSafeName(t *testing.T) {
	valid := []string{"a", "A1._-", "name.1-2_3"}
	invalid := []string{"", ".", "..", "a..b", "a/b", `a\\b`, "hello*", "unicode한글"}
	for _, s := range valid {
		if !isSafeName(s) {
			t.Fatalf("expected valid name %q", s)
		}
	}
	for _, s := range invalid {
		if isSafeName(s) {
			t.Fatalf("expected invalid name %q", s)
		}
	}
}

func TestIsSafeAbsPath(t *testing.T) {
	// empty is allowed
	if !isSafeAbsPath("") {
		t.Fatalf("empty should be allowed")
	}
	if !isSafeAbsPath(absExecutable) {
		t.Fatalf("abs clean path should be allowed: %s", absExecutable)
	}
	// not absolute
	if isSafeAbsPath("tmp/x") {
		t.Fatalf("relative path should be rejected")
	}
	// with traversal (construct without cleaning)
	sep := string(filepath.Separator)
	bad := sep + "tmp" + sep + ".." + sep + "etc"
	if isSafeAbsPath(bad) {
		t.Fatalf("path with traversal should be rejected: %s", bad)
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
		{fmt.Errorf("get x: %w", manager.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("submit: %w", manager.ErrLimitExceeded), http.StatusTooManyRequests},
		{fmt.Errorf("start x: %w", manager.ErrLaunchFailed), http.StatusUnprocessableEntity},
		{manager.ErrInvalid, http.StatusBadRequest},
		{manager.ErrCorrupt, http.StatusInternalServerError},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Fatalf("statusFor(%v) = %d want %d", c.err, got, c.want)
		}
	}
}

func TestIdentify(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/who", identify, func(c *gin.Context) {
		writeJSON(c, 200, map[string]any{"tenant": tenantOf(c), "admin": isAdmin(c)})
	})
	r.GET("/admin", identify, requireAdmin, func(c *gin.Context) { writeJSON(c, 200, okResp{OK: true}) })

	do := func(path string, hdr map[string]string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", path, nil)
		for k, v := range hdr {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}
	if rec := do("/who", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: %d", rec.Code)
	}
	if rec := do("/who", map[string]string{headerTenant: "alice"}); rec.Code != 200 {
		t.Fatalf("tenant: %d", rec.Code)
	}
	if rec := do("/admin", map[string]string{headerTenant: "alice"}); rec.Code != http.StatusForbidden {
		t.Fatalf("tenant on admin route: %d", rec.Code)
	}
	if rec := do("/admin", map[string]string{headerAdmin: "true"}); rec.Code != 200 {
		t.Fatalf("admin: %d", rec.Code)
	}
}
