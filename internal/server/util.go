package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/DEVIL0924/devil-cloud-advanced/internal/manager"
)

const (
	headerTenant = "X-Tenant"
	headerAdmin  = "X-Admin"

	ctxTenant = "devilcloud.tenant"
	ctxAdmin  = "devilcloud.admin"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

// isSafeName validates names that end up in filesystem paths (tenants, upload
// file names). Allowed characters: A-Z a-z 0-9 . _ - and no "..".
func isSafeName(s string) bool {
	if s == "" || s == "." {
		return false
	}
	if strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

// isSafeAbsPath ensures p is absolute and already clean. Empty is allowed.
func isSafeAbsPath(p string) bool {
	if p == "" {
		return true
	}
	if !filepath.IsAbs(p) {
		return false
	}
	clean := filepath.Clean(p)
	trimmed := strings.TrimRight(p, string(filepath.Separator))
	if trimmed == "" {
		trimmed = p
	}
	return clean == p || clean == trimmed
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// statusFor maps controller errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, manager.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, manager.ErrLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, manager.ErrLaunchFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, manager.ErrInvalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
}

// identify reads the caller identity set by the upstream auth proxy.
func identify(c *gin.Context) {
	tenant := strings.TrimSpace(c.GetHeader(headerTenant))
	admin, _ := strconv.ParseBool(c.GetHeader(headerAdmin))
	if tenant == "" && !admin {
		writeJSON(c, http.StatusUnauthorized, errorResp{Error: headerTenant + " header required"})
		c.Abort()
		return
	}
	c.Set(ctxTenant, tenant)
	c.Set(ctxAdmin, admin)
	c.Next()
}

func tenantOf(c *gin.Context) string { return c.GetString(ctxTenant) }

func isAdmin(c *gin.Context) bool { return c.GetBool(ctxAdmin) }

// requireAdmin guards operator-only endpoints.
func requireAdmin(c *gin.Context) {
	if !isAdmin(c) {
		writeJSON(c, http.StatusForbidden, errorResp{Error: "administrator only"})
		c.Abort()
		return
	}
	c.Next()
}

// intQuery parses a positive integer query parameter, clamped to max.
func intQuery(c *gin.Context, key string, def, max int) (int, error) {
	s := c.Query(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, errors.New(key + " must be a positive number")
	}
	if n > max {
		n = max
	}
	return n, nil
}
