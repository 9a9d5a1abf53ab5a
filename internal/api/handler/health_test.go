package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/misakimiku2/aurora-gallery/internal/encoder"
	"github.com/misakimiku2/aurora-gallery/internal/logger"
)

func TestHealthReportsEncoderState(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log := logger.New(nil)
	engine := encoder.NewEngine(encoder.NewDownloader(t.TempDir(), 1, log), nil, log)

	r := gin.New()
	r.GET("/health", NewHealthHandler(engine).Health)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected ok status, got %v", body["status"])
	}
	if body["encoder"] != "unloaded" {
		t.Errorf("expected unloaded encoder state, got %v", body["encoder"])
	}
}
