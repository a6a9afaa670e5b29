package setup

import (
	"errors"
	"flag"
	"testing"

	"github.com/haohanyang/compass/internal/metrics"
	"github.com/haohanyang/compass/internal/metrics/datadog"
)

// These tests swap package seams and the global backend; none run in parallel.

func TestInstall_PushGatewayFromEnv(t *testing.T) {
	t.Setenv("METRICS_BACKEND", "pushgateway")
	t.Setenv("PUSHGATEWAY_URL", "http://gw:9091")

	fake := &metrics.FakeBackend{}
	var gotJob, gotURL string
	orig := newPushFn
	newPushFn = func(job, url string) (metrics.Backend, error) {
		gotJob, gotURL = job, url
		return fake, nil
	}
	defer func() { newPushFn = orig }()

	flush := Install(Options{Job: "imports"})
	metrics.RecordRow("imports", "written", 2)
	flush()

	if gotJob != "imports" || gotURL != "http://gw:9091" {
		t.Fatalf("job=%q url=%q", gotJob, gotURL)
	}
	if got := fake.Total(metrics.DocsTotal, "written"); got != 2 {
		t.Fatalf("written=%v", got)
	}
	// flush restores the previous backend
	metrics.RecordRow("imports", "written", 5)
	if got := fake.Total(metrics.DocsTotal, "written"); got != 2 {
		t.Fatalf("written after flush=%v", got)
	}
}

func TestInstall_FlagBeatsEnv(t *testing.T) {
	t.Setenv("METRICS_BACKEND", "pushgateway")

	var addr string
	orig := newDDFn
	newDDFn = func(cfg datadog.Config) (metrics.Backend, error) {
		addr = cfg.Addr
		return &metrics.FakeBackend{}, nil
	}
	defer func() { newDDFn = orig }()

	fs := flag.NewFlagSet("t", flag.ContinueOnError)
	var o Options
	o.RegisterFlags(fs)
	if err := fs.Parse([]string{"-metrics-backend", "datadog", "-dogstatsd-addr", "10.0.0.1:8125"}); err != nil {
		t.Fatal(err)
	}
	Install(o)()
	if addr != "10.0.0.1:8125" {
		t.Fatalf("addr=%q", addr)
	}
}

func TestInstall_InitFailureKeepsNop(t *testing.T) {
	orig := newPushFn
	newPushFn = func(string, string) (metrics.Backend, error) { return nil, errors.New("boom") }
	defer func() { newPushFn = orig }()

	fake := &metrics.FakeBackend{}
	prev := metrics.SetBackend(fake)
	defer metrics.SetBackend(prev)

	Install(Options{Backend: "pushgateway"})()
	metrics.RecordRow("j", "written", 1)
	if got := fake.Total(metrics.DocsTotal, "written"); got != 1 {
		t.Fatalf("backend replaced on init failure: %v", got)
	}
}

func TestInstall_None(t *testing.T) {
	t.Setenv("METRICS_BACKEND", "")
	for _, name := range []string{"", "none", "bogus"} {
		Install(Options{Backend: name})()
	}
}
