package api

import (
	"encoding/json"
	"net/http"
)

// ValidationDetail is one field-level validation failure.
type ValidationDetail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// validationErrorBody is the 400 envelope: {"error":"validation_error","details":[...]}.
type validationErrorBody struct {
	Error   string             `json:"error"`
	Details []ValidationDetail `json:"details"`
}

// codeErrorBody is the envelope used for every non-validation error:
// {"error":"<code>"}.
type codeErrorBody struct {
	Error string `json:"error"`
}

// WriteJSON writes v as the response body with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteValidationError writes the 400 validation envelope.
func WriteValidationError(w http.ResponseWriter, details ...ValidationDetail) {
	WriteJSON(w, http.StatusBadRequest, validationErrorBody{Error: "validation_error", Details: details})
}

// WriteCodeError writes a bare {"error":"<code>"} envelope at the given
// status. Used for every error kind the spec names by a single code
// string rather than a field-level detail list.
func WriteCodeError(w http.ResponseWriter, status int, code string) {
	WriteJSON(w, status, codeErrorBody{Error: code})
}

// WriteNoContent writes a 204 with no body.
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
