package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Spatial-NVR/codnida/internal/codnida"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()

	JSON(w, http.StatusOK, map[string]string{"message": "hello"})

	result := w.Result()
	if result.StatusCode != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, result.StatusCode)
	}
	if result.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %s", result.Header.Get("Content-Type"))
	}

	var response Response
	if err := json.NewDecoder(result.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !response.Success {
		t.Error("Response should be successful")
	}
}

func TestJSONWithMeta(t *testing.T) {
	w := httptest.NewRecorder()

	JSONWithMeta(w, http.StatusOK, []string{"a", "b"}, &Meta{Total: 2, Limit: 50})

	var response Response
	if err := json.NewDecoder(w.Result().Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response.Meta == nil || response.Meta.Total != 2 || response.Meta.Limit != 50 {
		t.Errorf("Unexpected meta: %+v", response.Meta)
	}
}

func TestError(t *testing.T) {
	tests := []struct {
		name       string
		write      func(http.ResponseWriter)
		wantStatus int
		wantCode   string
	}{
		{"bad request", func(w http.ResponseWriter) { BadRequest(w, "bad") }, http.StatusBadRequest, CodeBadRequest},
		{"not found", func(w http.ResponseWriter) { NotFound(w, "missing") }, http.StatusNotFound, CodeNotFound},
		{"internal", func(w http.ResponseWriter) { InternalError(w, "boom") }, http.StatusInternalServerError, CodeInternal},
		{"custom", func(w http.ResponseWriter) { Error(w, http.StatusBadGateway, CodeNoImage, "none") }, http.StatusBadGateway, CodeNoImage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w)

			if w.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, w.Code)
			}
			var response Response
			if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if response.Success {
				t.Error("Response should not be successful")
			}
			if response.Error == nil || response.Error.Code != tt.wantCode {
				t.Errorf("Expected code %s, got %+v", tt.wantCode, response.Error)
			}
		})
	}
}

func TestValidationErrorResponse(t *testing.T) {
	w := httptest.NewRecorder()

	ValidationErrorResponse(w, codnida.ValidationErrors{
		{Field: "host", Message: "host is required"},
		{Field: "password", Message: "password is required"},
	})

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
	var response Response
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response.Error.Code != CodeValidation {
		t.Errorf("Expected error code %s, got %s", CodeValidation, response.Error.Code)
	}
	if len(response.Error.Details) != 2 {
		t.Errorf("Expected 2 error details, got %d", len(response.Error.Details))
	}
}

func TestNoContent(t *testing.T) {
	w := httptest.NewRecorder()
	NoContent(w)
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected status %d, got %d", http.StatusNoContent, w.Code)
	}
}
