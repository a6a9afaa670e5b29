package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/dustin/go-humanize"

	"github.com/haohanyang/compass/internal/config"
	"github.com/haohanyang/compass/internal/datasource/file"
	"github.com/haohanyang/compass/internal/doc"
	"github.com/haohanyang/compass/internal/probe"
	"github.com/haohanyang/compass/internal/progress"
	"github.com/haohanyang/compass/internal/session"
	"github.com/haohanyang/compass/internal/storage/memory"
)

// inspectNS is the namespace the inspection commands open against. They never
// write, so the in-memory store behind it stays empty.
const inspectNS = "docetl.inspect"

type detectView struct {
	Path        string       `json:"path"`
	Size        string       `json:"size"`
	Format      probe.Format `json:"format"`
	Delimiter   string       `json:"delimiter,omitempty"`
	Fingerprint string       `json:"fingerprint"`
}

func runDetect(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("detect", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("expected one file")
	}
	desc, err := probe.Describe(ctx, fs.Arg(0), file.Opener(fs.Arg(0)))
	if err != nil {
		return err
	}
	v := detectView{
		Path:        desc.Path,
		Size:        humanize.Bytes(uint64(desc.Size)),
		Format:      desc.Format,
		Fingerprint: fmt.Sprintf("%016x", desc.Fingerprint),
	}
	if desc.Format == probe.FormatCSV {
		v.Delimiter = string(desc.Delimiter)
	}
	return printJSON(v)
}

type inspectFlags struct {
	delimiter    string
	ignoreBlanks bool
	previewRows  int
	sampleDocs   int
}

func openInspect(ctx context.Context, name string, args []string, analyze bool) (*session.ImportSession, inspectFlags, error) {
	var f inspectFlags
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&f.delimiter, "delimiter", "", `CSV delimiter; overrides detection ("\t", "tab", "space" accepted)`)
	fs.IntVar(&f.previewRows, "preview-rows", 0, "CSV preview rows")
	fs.IntVar(&f.sampleDocs, "sample-docs", 0, "JSON documents sampled for field listing")
	if analyze {
		fs.BoolVar(&f.ignoreBlanks, "ignore-blanks", false, "keep blank cells out of the type vote")
	}
	if err := fs.Parse(args); err != nil {
		return nil, f, err
	}
	if fs.NArg() != 1 {
		return nil, f, fmt.Errorf("expected one file")
	}

	sess := session.NewImport(memory.New(), session.Config{
		PreviewRows: f.previewRows,
		SampleDocs:  f.sampleDocs,
	})
	desc, err := sess.Open(ctx, inspectNS, fs.Arg(0))
	if err != nil {
		return nil, f, err
	}
	if f.delimiter != "" && desc.Format == probe.FormatCSV {
		d := config.Options{"delimiter": f.delimiter}.Rune("delimiter", desc.Delimiter)
		if _, err := sess.SetDelimiter(ctx, d); err != nil {
			return nil, f, err
		}
	}
	return sess, f, nil
}

func runFields(ctx context.Context, args []string) error {
	sess, _, err := openInspect(ctx, "fields", args, false)
	if err != nil {
		return err
	}
	defer sess.Close()
	snap := sess.Snapshot()
	return printJSON(struct {
		Input       *probe.InputDescriptor `json:"input"`
		Fields      probe.FieldSet         `json:"fields"`
		Preview     [][]string             `json:"preview,omitempty"`
		JSONPreview []doc.Document         `json:"jsonPreview,omitempty"`
	}{snap.Input, snap.Fields, snap.Preview, snap.JSONPreview})
}

func runAnalyze(ctx context.Context, args []string) error {
	sess, f, err := openInspect(ctx, "analyze", args, true)
	if err != nil {
		return err
	}
	defer sess.Close()

	a, err := sess.Analyze(ctx, session.AnalyzeOptions{
		IgnoreBlanks: f.ignoreBlanks,
		OnProgress:   logProgress("analyze"),
	})
	if err != nil {
		return err
	}
	if a.Aborted {
		log.Printf("analyze: interrupted after %s rows; partial result", humanize.Comma(a.Rows))
	}
	return printJSON(struct {
		Analysis probe.Analysis   `json:"analysis"`
		Fields   []probe.CSVField `json:"fields"`
	}{a, sess.Snapshot().Fields.CSV})
}

func logProgress(prefix string) progress.Func {
	return func(u progress.Update) {
		log.Printf("%s: read=%s processed=%s written=%s",
			prefix, humanize.Bytes(uint64(u.Bytes)), humanize.Comma(u.Processed), humanize.Comma(u.Written))
	}
}
