// Package metrics is a small set of in-process atomic counters exposed
// over a scrape endpoint in Prometheus' text exposition format. No
// prometheus/client_golang dependency is pulled in for this — matching
// how this codebase's aero WebRTC relay proxy exposes its own counters
// without that library.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
)

// Metrics counts the protocol-visible events the spec's testable
// properties care about. Every field is an int64 accessed only via
// atomic ops, so a Metrics value may be shared freely across goroutines.
type Metrics struct {
	Joins              atomic.Int64
	Leaves             atomic.Int64
	PeerConnects        atomic.Int64
	PeerDisconnects     atomic.Int64
	Relays              atomic.Int64
	Seals               atomic.Int64
	Destructions        atomic.Int64
	RejectedFrames      atomic.Int64
}

// New returns a zeroed Metrics.
func New() *Metrics { return &Metrics{} }

// Snapshot returns a point-in-time map of counter name to value, for the
// exposition handler and for tests.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"joins":            m.Joins.Load(),
		"leaves":           m.Leaves.Load(),
		"peer_connects":    m.PeerConnects.Load(),
		"peer_disconnects": m.PeerDisconnects.Load(),
		"relays":           m.Relays.Load(),
		"seals":            m.Seals.Load(),
		"destructions":     m.Destructions.Load(),
		"rejected_frames":  m.RejectedFrames.Load(),
	}
}

// Handler exposes m in Prometheus' text exposition format under a single
// metric name with an "event" label, mirroring this codebase's aero
// WebRTC relay proxy's hand-rolled exporter.
func Handler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprintln(w, "# HELP signaling_events_total Signaling protocol event counters.")
		fmt.Fprintln(w, "# TYPE signaling_events_total counter")
		for _, k := range keys {
			escaped := strings.NewReplacer("\\", "\\\\", "\"", "\\\"").Replace(k)
			fmt.Fprintf(w, "signaling_events_total{event=\"%s\"} %d\n", escaped, snap[k])
		}
	})
}
