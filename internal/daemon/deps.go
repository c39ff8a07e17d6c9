// SPDX-License-Identifier: MIT

package daemon

import (
	"net/http"

	"github.com/rs/zerolog"
)

// Deps are the handlers and logger the Manager serves. A metrics server is
// only started when both MetricsHandler and MetricsAddr are set.
type Deps struct {
	Logger         zerolog.Logger
	APIHandler     http.Handler
	MetricsHandler http.Handler
	MetricsAddr    string
}

// Validate rejects a disabled logger and a missing API handler.
func (d *Deps) Validate() error {
	switch {
	case d.Logger.GetLevel() == zerolog.Disabled:
		return ErrMissingLogger
	case d.APIHandler == nil:
		return ErrMissingAPIHandler
	}
	return nil
}

func (d *Deps) serveMetrics() bool {
	return d.MetricsHandler != nil && d.MetricsAddr != ""
}
