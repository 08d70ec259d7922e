package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/contextflow/internal/domain"
	"github.com/phrazzld/contextflow/internal/ident"
)

// getPathID extracts an identifier path parameter and checks that it
// decodes with the expected prefix.
func getPathID(r *http.Request, paramName, prefix string) (string, error) {
	id := chi.URLParam(r, paramName)
	if id == "" {
		return "", domain.Validationf("%s is required", paramName)
	}
	decoded, err := ident.Decode(id)
	if err != nil {
		return "", err
	}
	if prefix != "" && decoded.Prefix != prefix {
		return "", fmt.Errorf("%w: %s must carry the %s prefix", ident.ErrInvalidID, paramName, prefix)
	}
	return id, nil
}

// getQueryInt parses an optional positive integer query parameter. Missing
// values yield def and values above max are clamped.
func getQueryInt(r *http.Request, name string, def, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, domain.Validationf("%s must be a positive integer", name)
	}
	if n > max {
		n = max
	}
	return n, nil
}

// getQueryBool parses an optional boolean query parameter.
func getQueryBool(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, domain.Validationf("%s must be a boolean", name)
	}
	return b, nil
}
