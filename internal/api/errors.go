package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/JakeFAU/scrapewatch/internal/scrape"
	"github.com/JakeFAU/scrapewatch/internal/store"
)

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scrape.ErrUnknownJob),
		errors.Is(err, scrape.ErrTargetNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scrape.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, scrape.ErrConflict),
		errors.Is(err, scrape.ErrNotYetCancelable),
		errors.Is(err, scrape.ErrCancelRejected):
		return http.StatusConflict
	case errors.Is(err, scrape.ErrCancelTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, scrape.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, scrape.ErrStreamClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorCode gives clients a stable token to branch on.
func errorCode(err error) string {
	var se *scrape.SubmissionError
	if errors.As(err, &se) {
		return string(se.Kind)
	}
	var ce *scrape.CancellationError
	if errors.As(err, &ce) {
		return string(ce.Kind)
	}
	switch {
	case errors.Is(err, scrape.ErrUnknownJob):
		return "unknown_job"
	case errors.Is(err, scrape.ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, scrape.ErrStreamClosed):
		return "unavailable"
	default:
		return "internal"
	}
}
