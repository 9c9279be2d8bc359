package diag_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/corralog/agent/internal/diag"
)

func testRSAKeyPair(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return priv, &priv.PublicKey
}

type stubController struct {
	flushed bool
	swapped bool
}

func (s *stubController) ForceFlush(ctx context.Context) error       { s.flushed = true; return nil }
func (s *stubController) ForceConfigSwap(ctx context.Context) error { s.swapped = true; return nil }

func TestHealthz_ReportsHealthy(t *testing.T) {
	srv := diag.New(diag.Config{
		Health: func() diag.HealthStatus {
			return diag.HealthStatus{Healthy: true, ActiveSources: 3}
		},
	})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHealthz_ReportsUnhealthyAs503(t *testing.T) {
	srv := diag.New(diag.Config{
		Health: func() diag.HealthStatus { return diag.HealthStatus{Healthy: false} },
	})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestControlRoutes_OpenWithoutPublicKey(t *testing.T) {
	ctrl := &stubController{}
	srv := diag.New(diag.Config{Controller: ctrl})

	req := httptest.NewRequest(http.MethodPost, "/control/flush", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if !ctrl.flushed {
		t.Fatal("expected ForceFlush to be called")
	}
}

func TestControlRoutes_RejectMissingAuthWhenKeyConfigured(t *testing.T) {
	_, pub := testRSAKeyPair(t)
	ctrl := &stubController{}
	srv := diag.New(diag.Config{Controller: ctrl, PublicKey: pub})

	req := httptest.NewRequest(http.MethodPost, "/control/swap", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if ctrl.swapped {
		t.Fatal("ForceConfigSwap should not be called without valid auth")
	}
}

func TestMetricsEndpoint_Serves(t *testing.T) {
	srv := diag.New(diag.Config{})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
