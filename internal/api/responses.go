package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// maxBodyBytes caps request body reads. Control and settings payloads are a
// few hundred bytes at most.
const maxBodyBytes = 1 << 20

// ErrorResponse is the JSON body every non-2xx API response carries.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteJSON marshals v and writes it with the given status. A value that
// fails to marshal becomes a plain 500 rather than a truncated document.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "response encoding failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(data, '\n'))
}

// WriteError writes the standard error body.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorResponse{Error: msg})
}

// DecodeJSON decodes the request body into v. Reads are capped at
// maxBodyBytes, and data trailing the document is rejected.
func DecodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return errors.New("empty request body")
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON body")
	}
	return nil
}

// QueryString returns the named query parameter when it is non-empty.
func QueryString(r *http.Request, name string) (string, bool) {
	if v := r.URL.Query().Get(name); v != "" {
		return v, true
	}
	return "", false
}
