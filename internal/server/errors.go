package server

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/signalsfoundry/traceview/internal/fetch"
	"github.com/signalsfoundry/traceview/internal/tracedata"
)

// ErrUnknownResource is returned for resource paths the server does not serve.
var ErrUnknownResource = errors.New("unknown resource")

// ToHTTPStatus maps dataset and query errors onto HTTP status codes.
func ToHTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch {
	case errors.Is(err, fetch.ErrNotReady):
		return http.StatusServiceUnavailable

	case errors.Is(err, tracedata.ErrNotFound),
		errors.Is(err, tracedata.ErrUnknownMetric),
		errors.Is(err, ErrUnknownResource):
		return http.StatusNotFound

	case errors.Is(err, fetch.ErrInvalidQuery),
		errors.Is(err, tracedata.ErrInvalidWindow):
		return http.StatusBadRequest

	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err with its mapped status. Not-ready errors carry a
// Retry-After header in whole seconds.
func writeError(w http.ResponseWriter, err error) {
	code := ToHTTPStatus(err)
	var nr *fetch.NotReadyError
	if errors.As(err, &nr) {
		secs := int(math.Ceil(nr.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	http.Error(w, err.Error(), code)
}
