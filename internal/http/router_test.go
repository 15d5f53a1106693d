package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/panelgrid/go-bot-guard/internal/config"
	"github.com/panelgrid/go-bot-guard/internal/panel"
	"github.com/panelgrid/go-bot-guard/internal/repo"
)

type noopPanel struct{}

func (noopPanel) GetOrder(ctx context.Context, panelID, externalOrderID string) (*panel.OrderInfo, error) {
	return nil, nil
}

func (noopPanel) ValidateUsername(ctx context.Context, panelID, username string) (bool, error) {
	return false, nil
}

func newTestRouter(t *testing.T, cfg config.Config) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:guardrt_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	if cfg.RateRPS == 0 {
		cfg.RateRPS = 100
		cfg.RateBurst = 100
	}
	r := gin.New()
	RegisterRoutes(r, db, noopPanel{}, cfg)
	return r
}

func TestRouter_Health(t *testing.T) {
	r := newTestRouter(t, config.Config{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("request ID header missing")
	}
}

func TestRouter_UnknownRouteIsJSON(t *testing.T) {
	r := newTestRouter(t, config.Config{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"code":"not_found"`) {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	r := newTestRouter(t, config.Config{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/health", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestRouter_AdminTokenGuardsAPI(t *testing.T) {
	r := newTestRouter(t, config.Config{
		APIBasePath: "/api/v1",
		AdminToken:  "sekrit",
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/owners/owner-1/settings", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated: status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/owners/owner-1/settings", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("authenticated: status = %d, body = %s", w.Code, w.Body.String())
	}
	// Health stays public.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("health: status = %d", w.Code)
	}
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	r := newTestRouter(t, config.Config{})

	// Seed the request counter so the family shows up in the exposition.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "botguard_http_requests_total") {
		t.Fatalf("exposition missing request counter")
	}
}

func TestGroupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	for _, prefix := range []string{"", "/"} {
		g := groupWithPrefix(r, prefix)
		if got := g.BasePath(); got != "/" {
			t.Fatalf("prefix %q: base = %q", prefix, got)
		}
	}
	r2 := gin.New()
	if got := groupWithPrefix(r2, "/api/v1").BasePath(); got != "/api/v1" {
		t.Fatalf("base = %q", got)
	}
}

func TestCorsConfig(t *testing.T) {
	open := corsConfig(config.Config{})
	if !open.AllowAllOrigins {
		t.Fatalf("no origins configured should allow all")
	}

	var cfg config.Config
	cfg.CORS.AllowedOrigins = []string{"https://a.example"}
	strict := corsConfig(cfg)
	if strict.AllowAllOrigins || len(strict.AllowOrigins) != 1 {
		t.Fatalf("allow-list not honored: %+v", strict)
	}
	if strict.MaxAge != 12*time.Hour {
		t.Fatalf("max age = %v", strict.MaxAge)
	}
}
