// Command docetl-server serves import and export sessions over HTTP.
//
// Example:
//
//	docetl-server -addr :8080 -storage-kind postgres -dsn postgresql://... -metrics-backend datadog
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haohanyang/compass/internal/api"
	"github.com/haohanyang/compass/internal/metrics/setup"
	"github.com/haohanyang/compass/internal/session"
	"github.com/haohanyang/compass/internal/storage"

	// register all backends with the storage factory.
	_ "github.com/haohanyang/compass/internal/storage/all"
)

type options struct {
	addr         string
	storageKind  string
	dsn          string
	userDataDir  string
	pingInterval time.Duration
	metrics      setup.Options
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("docetl-server", flag.ContinueOnError)
	fs.StringVar(&o.addr, "addr", ":8080", "listen address")
	fs.StringVar(&o.storageKind, "storage-kind", "memory", "storage backend: "+fmt.Sprint(storage.Kinds()))
	fs.StringVar(&o.dsn, "dsn", os.Getenv("DOCETL_DSN"), "storage DSN (overrides env DOCETL_DSN)")
	fs.StringVar(&o.userDataDir, "user-data-dir", "", "root of ImportErrorLogs/ (default: user config dir)")
	fs.DurationVar(&o.pingInterval, "ping-interval", session.DefaultPingInterval, "store health check interval; negative disables")
	o.metrics.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.storageKind != "memory" && o.dsn == "" {
		return o, fmt.Errorf("-dsn is required for storage kind %q", o.storageKind)
	}
	return o, nil
}

// newStore is a test seam.
var newStore = storage.New

func run(ctx context.Context, o options) error {
	flush := setup.Install(o.metrics)
	defer flush()

	store, err := newStore(ctx, o.storageKind, o.dsn)
	if err != nil {
		return fmt.Errorf("open %s store: %w", o.storageKind, err)
	}
	defer store.Close()

	srv := api.NewServer(store, api.Config{
		Addr:         o.addr,
		Session:      session.Config{UserDataDir: o.userDataDir, Job: o.metrics.Job},
		PingInterval: o.pingInterval,
	})

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		srv.Close()
		return err
	case <-ctx.Done():
	}
	log.Printf("docetl-server: shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return <-errc
}

func main() {
	o, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fatalf("docetl-server: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, o); err != nil {
		stop()
		fatalf("docetl-server: %v", err)
	}
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
