// Package health reports dispatcher liveness to process supervisors,
// independent of the broker's own heartbeat.
package health

import (
	"encoding/json"
	"net/http"
)

// Status is the JSON body served at /healthz.
type Status struct {
	Connected   bool           `json:"connected"`
	Workers     int            `json:"workers"`
	Instruments map[string]int `json:"instruments"`
}

// Reporter answers /healthz requests by combining the session
// manager's connectivity with the admission controller's worker
// counts. Both are supplied as functions so tests can report arbitrary
// values without a real broker connection or live processes.
type Reporter struct {
	Connected func() bool
	Snapshot  func() (global int, byInstrument map[string]int)
}

// Handler returns the HTTP handler for /healthz: 200 when connected,
// 503 otherwise.
func (r *Reporter) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		connected := r.Connected()
		global, byInstrument := r.Snapshot()

		w.Header().Set("Content-Type", "application/json")
		if !connected {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(Status{
			Connected:   connected,
			Workers:     global,
			Instruments: byInstrument,
		})
	}
}
