package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// GaugeFunc reports a live value (e.g. open rooms) at scrape time.
type GaugeFunc func() int

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// All counters are exposed as a single metric with an `event` label, which
// keeps the in-process registry simple while still allowing scraping.
// Gauges are sampled at scrape time.
func PrometheusHandler(m *Metrics, gauges map[string]GaugeFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintln(w, "# HELP machikoi_call_relay_events_total Internal event counters.")
		_, _ = fmt.Fprintln(w, "# TYPE machikoi_call_relay_events_total counter")
		escaper := strings.NewReplacer("\\", "\\\\", "\"", "\\\"")
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "machikoi_call_relay_events_total{event=\"%s\"} %d\n", escaper.Replace(k), snap[k])
		}

		if len(gauges) > 0 {
			names := make([]string, 0, len(gauges))
			for name := range gauges {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				_, _ = fmt.Fprintf(w, "# TYPE machikoi_call_relay_%s gauge\n", name)
				_, _ = fmt.Fprintf(w, "machikoi_call_relay_%s %d\n", name, gauges[name]())
			}
		}
	})
}
