// Package handlers contains the HTTP handlers of the email pipeline API:
//   - the dispatcher cron trigger and the provider webhook (shared secrets)
//   - profile email preferences (session)
//   - processor control, logs, suppressions, templates, the queue and user
//     data scrubbing (site admin)
//
// Each handler exposes RegisterRoutes so cmd/api can place it in the right
// core.Server route group.
package handlers

import (
	"net/http"
	"strconv"

	"bringmehome/internal/types"
)

// Pagination bounds for admin listings.
const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// queryInt parses an optional integer query parameter. A missing value
// yields def; a malformed or negative one is a validation error.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidQuery,
			name+" must be a non-negative integer", err, map[string]any{"parameter": name})
	}
	return n, nil
}

// pageParams reads limit and offset, clamping limit to [1, maxPageLimit].
func pageParams(r *http.Request) (limit, offset int, err error) {
	if limit, err = queryInt(r, "limit", defaultPageLimit); err != nil {
		return 0, 0, err
	}
	if offset, err = queryInt(r, "offset", 0); err != nil {
		return 0, 0, err
	}
	limit = min(max(limit, 1), maxPageLimit)
	return limit, offset, nil
}

type successResponse struct {
	Success bool `json:"success"`
}
