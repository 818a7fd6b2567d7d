package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/linkvault/internal/model"
)

// TestWriteErrorResponse_WritesUnifiedFormat は統一エラーフォーマットでレスポンスが書き込まれることを検証する。
func TestWriteErrorResponse_WritesUnifiedFormat(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorResponse(w, http.StatusForbidden, model.NewOAuthRequiredError("no whop credential"))

	resp := w.Result()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if body.Code != model.ErrCodeForbidden {
		t.Errorf("code = %q", body.Code)
	}
	if body.Error == "" || body.Hint == "" {
		t.Errorf("error and hint should be set: %+v", body)
	}
	if body.Details != "no whop credential" {
		t.Errorf("details = %q", body.Details)
	}
	if body.Action != model.ActionOAuthRequired {
		t.Errorf("action = %q, want %q", body.Action, model.ActionOAuthRequired)
	}
}

// TestErrorResponseBody_RequiredFields は必須フィールドがJSONレスポンスに含まれることを検証する。
func TestErrorResponseBody_RequiredFields(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
		Code:     "CODE",
		Message:  "MSG",
		Category: "CAT",
	})

	var raw map[string]interface{}
	if err := json.NewDecoder(w.Result().Body).Decode(&raw); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	for _, field := range []string{"error", "code", "category"} {
		if _, ok := raw[field]; !ok {
			t.Errorf("missing required field: %s", field)
		}
	}
	// 空の補足情報は省略する
	for _, field := range []string{"details", "hint", "action"} {
		if _, ok := raw[field]; ok {
			t.Errorf("empty field %s should be omitted", field)
		}
	}
}

// TestInternalServerError_ReturnsSystemError は内部エラーが統一フォーマットで返ることを検証する。
func TestInternalServerError_ReturnsSystemError(t *testing.T) {
	w := httptest.NewRecorder()

	WriteInternalServerError(w)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != model.ErrCodeInternal || body.Category != "system" {
		t.Errorf("unexpected body: %+v", body)
	}
	if body.Action == "" {
		t.Error("action should not be empty")
	}
}
