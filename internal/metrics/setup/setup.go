// Package setup selects and installs a metrics backend from command-line
// settings. It is shared by the docetl binaries.
package setup

import (
	"flag"
	"log"
	"os"
	"strings"

	"github.com/haohanyang/compass/internal/metrics"
	"github.com/haohanyang/compass/internal/metrics/datadog"
	"github.com/haohanyang/compass/internal/metrics/prompush"
)

// Options names the backend and its endpoint.
type Options struct {
	// Backend is "pushgateway", "datadog", or "none". Empty falls back to
	// METRICS_BACKEND.
	Backend        string
	PushGatewayURL string
	DogStatsDAddr  string
	Job            string
}

// RegisterFlags binds o to fs.
func (o *Options) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&o.Backend, "metrics-backend", "", "metrics backend: pushgateway, datadog, none (overrides env METRICS_BACKEND)")
	fs.StringVar(&o.PushGatewayURL, "pushgateway-url", "", "Pushgateway base URL (overrides env PUSHGATEWAY_URL)")
	fs.StringVar(&o.DogStatsDAddr, "dogstatsd-addr", "", "DogStatsD address (overrides env DD_DOGSTATSD_ADDR)")
	fs.StringVar(&o.Job, "job", "docetl", "metrics job name")
}

// newPushFn and newDatadogFn are test seams.
var (
	newPushFn = func(job, url string) (metrics.Backend, error) { return prompush.NewBackend(job, url) }
	newDDFn   = func(cfg datadog.Config) (metrics.Backend, error) { return datadog.NewBackend(cfg) }
)

// Install decides the backend (flag, then env, then none) and installs it.
// The returned func flushes and must be called before exit. A backend that
// fails to initialize is logged and metrics stay disabled.
func Install(o Options) (flush func()) {
	name := o.Backend
	if name == "" {
		name = os.Getenv("METRICS_BACKEND")
	}
	name = strings.ToLower(strings.TrimSpace(name))

	var (
		b   metrics.Backend
		err error
	)
	switch name {
	case "pushgateway":
		url := firstNonEmpty(o.PushGatewayURL, os.Getenv("PUSHGATEWAY_URL"), "http://localhost:9091")
		b, err = newPushFn(o.Job, url)
		if err == nil {
			log.Printf("metrics: backend=%s url=%s job=%s", name, url, o.Job)
		}
	case "datadog":
		addr := firstNonEmpty(o.DogStatsDAddr, os.Getenv("DD_DOGSTATSD_ADDR"), "127.0.0.1:8125")
		b, err = newDDFn(datadog.Config{Addr: addr, Namespace: "compass.", GlobalTags: []string{"job:" + o.Job}})
		if err == nil {
			log.Printf("metrics: backend=%s addr=%s job=%s", name, addr, o.Job)
		}
	case "", "none":
		return func() {}
	default:
		log.Printf("metrics: unknown backend %q; metrics disabled", name)
		return func() {}
	}
	if err != nil {
		log.Printf("metrics: failed to init %s backend: %v; using nop", name, err)
		return func() {}
	}

	prev := metrics.SetBackend(b)
	return func() {
		if err := metrics.Flush(); err != nil {
			log.Printf("metrics: flush error: %v", err)
		}
		metrics.SetBackend(prev)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
