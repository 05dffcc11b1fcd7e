package hevyclient

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"hevysync.dev/agent/internal/herrors"
)

// workoutsCountPath is the lightweight endpoint key validation probes,
// per spec.md §4.5: "a lightweight endpoint (e.g., 'workouts count')".
const workoutsCountPath = "/workouts/count"

// ValidateKey issues a short-timeout GET against a lightweight endpoint
// to confirm apiKey is accepted by the upstream API. HTTP 401 is mapped
// to herrors.InvalidApiKeyError; network-class failures are rewritten
// to a user-facing connectivity error so the caller doesn't need to
// parse transport internals.
func (c *Client) ValidateKey(ctx context.Context, apiKey string) error {
	if !IsCanonicalKeyFormat(apiKey) {
		return &herrors.ValidationError{Field: "apiKey", Message: "must be a 36-character UUID"}
	}

	var out struct {
		WorkoutCount int `json:"workout_count"`
	}
	err := c.Request(ctx, Request{
		Path:    workoutsCountPath,
		Method:  "GET",
		Headers: map[string]string{"api-key": apiKey},
		Out:     &out,
		Timeout: c.validationTimeout,
	})
	if err == nil {
		return nil
	}

	var invalidKey *herrors.InvalidApiKeyError
	if errors.As(err, &invalidKey) {
		return err
	}

	if isNetworkClassError(err) {
		return &herrors.ValidationError{
			Field:   "connection",
			Message: "please check your connection",
		}
	}
	return err
}

// IsCanonicalKeyFormat reports whether key is a canonical UUID exactly
// 36 characters long including hyphens (8-4-4-4-12), per spec.md §6:
// "Validation is strict; anything else is rejected before persistence."
// uuid.Parse alone is not enough since it also accepts non-canonical
// forms (no hyphens, urn:uuid: prefix, braces) that are shorter or
// longer than 36 characters.
func IsCanonicalKeyFormat(key string) bool {
	if len(key) != 36 {
		return false
	}
	_, err := uuid.Parse(key)
	return err == nil
}

func isNetworkClassError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"timeout", "dns error", "network", "connection refused", "no such host"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
