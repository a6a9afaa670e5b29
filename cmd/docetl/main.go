// Command docetl imports CSV and JSON files into a document store and exports
// collections back to files.
//
// Usage:
//
//	docetl detect  <file>
//	docetl fields  [-delimiter ;] <file>
//	docetl analyze [-delimiter ;] [-ignore-blanks] <file>
//	docetl import  -config run.yaml [-validate]
//	docetl export  -config export.json [-validate]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/haohanyang/compass/internal/metrics/setup"

	// register all backends with the storage factory.
	_ "github.com/haohanyang/compass/internal/storage/all"
)

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, args []string) error
}

var commands = []command{
	{"detect", "detect <file>", runDetect},
	{"fields", "fields [-delimiter d] <file>", runFields},
	{"analyze", "analyze [-delimiter d] [-ignore-blanks] <file>", runAnalyze},
	{"import", "import -config <file> [-validate]", runImport},
	{"export", "export -config <file> [-validate]", runExport},
}

func main() {
	log.SetOutput(os.Stderr)
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	name, args := os.Args[1], os.Args[2:]
	for _, c := range commands {
		if c.name != name {
			continue
		}
		if err := c.run(ctx, args); err != nil {
			stop()
			fatalf("%s: %v", name, err)
		}
		return
	}
	usage()
	os.Exit(2)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  docetl %s\n", c.usage)
	}
}

// runFlags are shared by import and export.
type runFlags struct {
	config   string
	validate bool
	verbose  bool
	metrics  setup.Options
}

func parseRunFlags(name string, args []string) (runFlags, error) {
	var f runFlags
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&f.config, "config", "", "run config (JSON or YAML)")
	fs.BoolVar(&f.validate, "validate", false, "validate the configuration and exit")
	fs.BoolVar(&f.verbose, "v", false, "enable verbose logs")
	f.metrics.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	if f.config == "" {
		return f, fmt.Errorf("-config is required")
	}
	return f, nil
}

// stdout receives command output; logs go to stderr.
var stdout io.Writer = os.Stdout

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// getenvInt reads an int from environment, returning def when unset/invalid.
func getenvInt(k string, def int) int {
	if s := os.Getenv(k); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return def
}

// pickInt chooses the first positive value 'a', otherwise returns 'b'.
func pickInt(a, b int) int {
	if a > 0 {
		return a
	}
	return b
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
