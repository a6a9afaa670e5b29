package metrics

import (
	"errors"
	"testing"
	"time"
)

func TestRecordStep_SuccessAndFailure(t *testing.T) {
	fb := &FakeBackend{}
	prev := SetBackend(fb)
	defer SetBackend(prev)

	RecordStep("db.people", "import", nil, 2*time.Second)
	RecordStep("db.people", "analyze", errors.New("boom"), 1500*time.Millisecond)

	counters, hists := fb.Snapshot()
	if len(counters) != 2 || len(hists) != 2 {
		t.Fatalf("counters=%d hists=%d, want 2/2", len(counters), len(hists))
	}
	if c := counters[0]; c.Name != StepTotal || c.Delta != 1 || c.Labels["status"] != "success" || c.Labels["step"] != "import" {
		t.Fatalf("counter[0]=%+v", c)
	}
	if c := counters[1]; c.Labels["status"] != "failure" {
		t.Fatalf("counter[1]=%+v", c)
	}
	if h := hists[1]; h.Name != StepDurationSeconds || h.Value != 1.5 {
		t.Fatalf("hist[1]=%+v", h)
	}
}

func TestRecordRowAndBatches_SkipNonPositive(t *testing.T) {
	fb := &FakeBackend{}
	prev := SetBackend(fb)
	defer SetBackend(prev)

	RecordRow("j", "written", 0)
	RecordRow("j", "written", -3)
	RecordBatches("j", 0)
	RecordRow("j", "written", 5)
	RecordBatches("j", 2)

	counters, _ := fb.Snapshot()
	if len(counters) != 2 {
		t.Fatalf("counters=%+v", counters)
	}
	if counters[0].Name != DocsTotal || counters[0].Delta != 5 || counters[0].Labels["kind"] != "written" {
		t.Fatalf("row=%+v", counters[0])
	}
	if counters[1].Name != BatchesTotal || counters[1].Delta != 2 {
		t.Fatalf("batches=%+v", counters[1])
	}
	if got := fb.Total(DocsTotal, "written"); got != 5 {
		t.Fatalf("Total=%v", got)
	}
}

func TestSetBackend_NilRestoresNop(t *testing.T) {
	prev := SetBackend(nil)
	defer SetBackend(prev)
	if err := Flush(); err != nil {
		t.Fatal(err)
	}
	RecordStep("j", "s", nil, time.Millisecond)
}
