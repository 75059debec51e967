package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/omnichat/omnichat/internal/apperr"
)

// normalizeTransportErr maps connection/timeout failures to a retryable
// provider-unavailable error. Context cancellation passes through untouched
// so the orchestrator can tell a cancelled stream from a dead backend.
func normalizeTransportErr(id string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperr.ProviderUnavailable(fmt.Sprintf("%s: backend unreachable", id)).WithCause(err)
}

// normalizeStatus maps non-2xx provider responses to stable errors. 5xx and
// 429 are retryable; auth and client errors are terminal.
func normalizeStatus(id string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	snippet := strings.TrimSpace(string(body))
	detail := map[string]any{"status": resp.StatusCode}
	if snippet != "" {
		detail["body"] = snippet
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperr.ModelNotFound(fmt.Sprintf("%s: model not found", id)).WithDetail(detail)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperr.Provider(fmt.Sprintf("%s: authentication failed", id)).WithDetail(detail)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return apperr.ProviderUnavailable(fmt.Sprintf("%s: status %d", id, resp.StatusCode)).WithDetail(detail)
	default:
		return apperr.Provider(fmt.Sprintf("%s: status %d", id, resp.StatusCode)).WithDetail(detail)
	}
}

func badResponse(id string, cause error) error {
	return apperr.ProviderBadResponse(fmt.Sprintf("%s: invalid response", id)).WithCause(cause)
}
