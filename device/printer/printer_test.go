package printer

import (
	"testing"
	"time"
)

func TestIdleFlushFinalizesJobAfterSilence(t *testing.T) {
	done := make(chan Job, 1)
	d := New(Config{IdleFlushMs: 50}, func(j Job) { done <- j }, nil)

	d.Feed([]byte("HELLO\n"))

	select {
	case job := <-done:
		if job.Raw != "HELLO\n" {
			t.Fatalf("got raw %q, want %q", job.Raw, "HELLO\n")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for idle flush")
	}
	if got := d.TotalJobs(); got != 1 {
		t.Fatalf("totalJobs = %d, want 1", got)
	}
}

func TestFeedResetsTimerAcrossChunks(t *testing.T) {
	done := make(chan Job, 1)
	d := New(Config{IdleFlushMs: 100}, func(j Job) { done <- j }, nil)

	d.Feed([]byte("HEL"))
	time.Sleep(40 * time.Millisecond)
	d.Feed([]byte("LO\n"))

	select {
	case job := <-done:
		if job.Raw != "HELLO\n" {
			t.Fatalf("got raw %q, want coalesced %q", job.Raw, "HELLO\n")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for idle flush")
	}
}

func TestCloseFinalizesBufferedPartialJob(t *testing.T) {
	done := make(chan Job, 1)
	d := New(Config{IdleFlushMs: 10 * 1000}, func(j Job) { done <- j }, nil)

	d.Feed([]byte("PARTIAL"))
	d.Close()

	select {
	case job := <-done:
		if job.Raw != "PARTIAL" {
			t.Fatalf("got raw %q, want %q", job.Raw, "PARTIAL")
		}
	case <-time.After(time.Second):
		t.Fatal("expected Close to finalize buffered bytes immediately")
	}
}

func TestLongPreviewTruncated(t *testing.T) {
	long := make([]byte, previewLen+50)
	for i := range long {
		long[i] = 'x'
	}
	done := make(chan Job, 1)
	d := New(Config{IdleFlushMs: 10 * 1000}, func(j Job) { done <- j }, nil)
	d.Feed(long)
	d.Close()

	job := <-done
	if len(job.Preview) != previewLen {
		t.Fatalf("preview length = %d, want %d", len(job.Preview), previewLen)
	}
}
