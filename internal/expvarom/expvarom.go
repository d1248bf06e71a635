// Package expvarom wraps the expvar package, tracking a description for
// each exported variable so they can all be served in OpenMetrics text
// format.
package expvarom

import (
	"expvar"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
)

type metric struct {
	name  string
	label string // Only for maps.
	desc  string
	v     expvar.Var
}

var (
	mu      sync.Mutex
	metrics = map[string]*metric{}
)

// NewInt returns a new expvar.Int, also exported over /metrics with the
// given description.
func NewInt(name, desc string) *expvar.Int {
	v := expvar.NewInt(name)
	register(&metric{name: name, desc: desc, v: v})
	return v
}

// NewMap returns a new expvar.Map, also exported over /metrics with the
// given label name and description.
func NewMap(name, label, desc string) *expvar.Map {
	v := expvar.NewMap(name)
	register(&metric{name: name, label: label, desc: desc, v: v})
	return v
}

func register(m *metric) {
	mu.Lock()
	metrics[m.name] = m
	mu.Unlock()
}

// omName converts a variable name like "mailingset/smtpIn/commandCount"
// into a valid OpenMetrics metric name.
func omName(name string) string {
	return strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(name)
}

// MetricsHandler serves the registered variables in OpenMetrics text
// format.
func MetricsHandler(w http.ResponseWriter, r *http.Request) {
	mu.Lock()
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	mu.Unlock()
	sort.Strings(names)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, name := range names {
		mu.Lock()
		m := metrics[name]
		mu.Unlock()

		om := omName(m.name)
		fmt.Fprintf(w, "# HELP %s %s\n", om, m.desc)
		fmt.Fprintf(w, "# TYPE %s gauge\n", om)

		switch v := m.v.(type) {
		case *expvar.Int:
			fmt.Fprintf(w, "%s %s\n", om, v.String())
		case *expvar.Map:
			v.Do(func(kv expvar.KeyValue) {
				fmt.Fprintf(w, "%s{%s=%q} %s\n",
					om, m.label, kv.Key, kv.Value.String())
			})
		}
		fmt.Fprintf(w, "\n")
	}
	fmt.Fprintf(w, "# EOF\n")
}
