// Package utils holds small helpers shared across the engine: env
// parsing, JSON response writing, and uuid-based id generation.
package utils

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
)

// GenerateID returns a short unique id, optionally prefixed (e.g. "delivery-<uuid>").
func GenerateID(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// WriteJSONResponse marshals data as JSON, sets the content type, and writes
// it to w. It does not call WriteHeader itself — callers that need a
// non-200 status must call w.WriteHeader before this.
func WriteJSONResponse(w http.ResponseWriter, data interface{}) error {
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(body)
	return err
}

// ParseBool parses loose truthy/falsy env-var style strings. Unrecognized
// input is treated as false rather than erroring, matching how boolean
// toggles are usually sourced from process environment.
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "y", "on":
		return true
	default:
		return false
	}
}

// GetenvTrim reads an environment variable and trims surrounding whitespace.
func GetenvTrim(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// GetDataDir returns the directory used for the engine's local state (the
// webhook delivery queue's sqlite file), honoring ALERTENGINE_DATA_DIR.
func GetDataDir() string {
	if dir := GetenvTrim("ALERTENGINE_DATA_DIR"); dir != "" {
		return dir
	}
	return "/var/lib/alertengine"
}
