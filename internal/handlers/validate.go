package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// MaxJSONBody is the maximum accepted JSON request body (1 MiB).
const MaxJSONBody = 1 << 20

// BindJSON decodes the request body into dst with strict semantics: bodies
// over MaxJSONBody, unknown fields, and trailing JSON values are all errors.
// Numbers are decoded as json.Number so canonicalization preserves them.
func BindJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxJSONBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body must not be empty")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("request body must contain only a single JSON object")
	}
	return nil
}

// bindError writes the canonical 400/413 response for a BindJSON failure.
func bindError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large")
		return
	}
	writeError(w, http.StatusBadRequest, "invalid_input")
}
