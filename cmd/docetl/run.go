package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/haohanyang/compass/internal/config"
	"github.com/haohanyang/compass/internal/errlog"
	"github.com/haohanyang/compass/internal/metrics/setup"
	"github.com/haohanyang/compass/internal/probe"
	"github.com/haohanyang/compass/internal/session"
	"github.com/haohanyang/compass/internal/storage"
)

var errCanceled = errors.New("canceled")

// reportIssues prints validation findings and fails on any error.
func reportIssues(issues []config.Issue) error {
	for _, iss := range issues {
		fmt.Fprintln(os.Stderr, iss.Error())
	}
	if config.HasErrors(issues) {
		return fmt.Errorf("invalid configuration (%d issues)", len(issues))
	}
	return nil
}

func sessionConfig(r config.RuntimeConfig, p config.Options, job string) session.Config {
	c := session.Config{
		BatchSize:     pickInt(r.BatchSize, getenvInt("DOCETL_BATCH_SIZE", storage.DefaultBatchSize)),
		ChannelBuffer: pickInt(r.ChannelBuffer, getenvInt("DOCETL_CHANNEL_BUFFER", 0)),
		PreviewRows:   pickInt(p.Int("preview_rows", 0), r.PreviewRows),
		SampleDocs:    p.Int("sample_docs", 0),
		SampleLimit:   r.SampleLimit,
		Job:           job,
	}
	if r.ProgressIntervalMS > 0 {
		c.ProgressInterval = time.Duration(r.ProgressIntervalMS) * time.Millisecond
	}
	return c
}

// watch ties the session to the store's health for the life of ctx.
func watch(ctx context.Context, w func(context.Context, session.Pinger, time.Duration) error, p session.Pinger) {
	go func() {
		if err := w(ctx, p, session.DefaultPingInterval); err != nil {
			log.Printf("docetl: connection lost: %v", err)
		}
	}()
}

func runImport(ctx context.Context, args []string) error {
	f, err := parseRunFlags("import", args)
	if err != nil {
		return err
	}
	var c config.Import
	if err := config.Load(f.config, &c); err != nil {
		return err
	}
	if err := reportIssues(config.ValidateImport(c)); err != nil {
		return err
	}
	if f.validate {
		log.Printf("Configuration is valid")
		return nil
	}

	flush := setup.Install(f.metrics)
	defer flush()

	store, err := storage.New(ctx, c.Storage.Kind, c.Storage.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	cfg := sessionConfig(c.Runtime, c.Parser.Options, f.metrics.Job)
	cfg.UserDataDir = c.UserDataDir
	sess := session.NewImport(store, cfg)
	defer sess.Close()

	desc, err := sess.Open(ctx, c.Namespace, c.Source.Path)
	if err != nil {
		return err
	}
	log.Printf("import: %s is %s (%s)", desc.Path, desc.Format, humanize.Bytes(uint64(desc.Size)))
	if c.Parser.Kind != "" && probe.Format(c.Parser.Kind) != desc.Format {
		return fmt.Errorf("parser.kind is %s but %s looks like %s", c.Parser.Kind, desc.Path, desc.Format)
	}

	if desc.Format == probe.FormatCSV {
		if d := c.Parser.Options.Rune("delimiter", 0); d != 0 && d != desc.Delimiter {
			if _, err := sess.SetDelimiter(ctx, d); err != nil {
				return err
			}
		}
		if c.Analyze {
			a, err := sess.Analyze(ctx, session.AnalyzeOptions{IgnoreBlanks: c.IgnoreBlanks})
			if err != nil {
				return err
			}
			if a.Aborted {
				return errCanceled
			}
			log.Printf("import: analyzed %s rows", humanize.Comma(a.Rows))
		}
	}

	for _, o := range c.Fields {
		var typ probe.Type
		if o.Type != "" {
			if typ, err = probe.ParseType(o.Type); err != nil {
				return err
			}
		}
		if err := sess.SetField(o.Path, typ, !o.Exclude); err != nil {
			return err
		}
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	watch(wctx, sess.WatchConnection, store)

	opt := session.RunOptions{
		StopOnErrors: c.StopOnErrors,
		IgnoreBlanks: c.IgnoreBlanks,
		OnProgress:   logProgress("import"),
	}
	if f.verbose {
		opt.OnError = func(r errlog.Record) {
			log.Printf("import: %s error at record %d (line %d): %s", r.Kind, r.Index, r.Line, r.Message)
		}
	}
	res, err := sess.Start(ctx, opt)
	if perr := printJSON(res); perr != nil && err == nil {
		err = perr
	}
	if err == nil && res.Status == session.StateCanceled {
		err = errCanceled
	}
	return err
}

func runExport(ctx context.Context, args []string) error {
	f, err := parseRunFlags("export", args)
	if err != nil {
		return err
	}
	var c config.Export
	if err := config.Load(f.config, &c); err != nil {
		return err
	}
	if err := reportIssues(config.ValidateExport(c)); err != nil {
		return err
	}
	if f.validate {
		log.Printf("Configuration is valid")
		return nil
	}
	format, err := probe.ParseFormat(c.Format)
	if err != nil {
		return err
	}

	flush := setup.Install(f.metrics)
	defer flush()

	store, err := storage.New(ctx, c.Storage.Kind, c.Storage.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	sess := session.NewExport(store, sessionConfig(c.Runtime, nil, f.metrics.Job))
	defer sess.Close()

	n, err := sess.Open(ctx, c.Namespace)
	if err != nil {
		return err
	}
	log.Printf("export: %s holds %s documents", c.Namespace, humanize.Comma(n))
	if len(c.Fields) > 0 {
		if err := sess.SetFields(c.Fields); err != nil {
			return err
		}
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	watch(wctx, sess.WatchConnection, store)

	opt := session.ExportOptions{
		Format:     format,
		OnProgress: logProgress("export"),
	}
	if f.verbose {
		opt.OnError = func(i int64, err error) {
			log.Printf("export: document %d: %v", i, err)
		}
	}
	res, err := sess.Start(ctx, c.Destination, opt)
	if perr := printJSON(res); perr != nil && err == nil {
		err = perr
	}
	if err == nil && res.Status == session.StateCanceled {
		err = errCanceled
	}
	return err
}
