package main

import (
	"testing"
	"time"
)

func TestSummarizeEmpty(t *testing.T) {
	out := summarize(nil)
	if out.Count != 0 || out.MinMs != 0 || out.P99Ms != 0 {
		t.Fatalf("empty summary = %+v", out)
	}
}

func TestSummarizeQuantiles(t *testing.T) {
	samples := make([]time.Duration, 100)
	for i := range samples {
		samples[i] = time.Duration(i+1) * time.Millisecond
	}
	out := summarize(samples)
	if out.Count != 100 || out.MinMs != 1 || out.MaxMs != 100 {
		t.Fatalf("summary = %+v", out)
	}
	if out.P50Ms < 49 || out.P50Ms > 51 {
		t.Fatalf("p50 = %v", out.P50Ms)
	}
	if out.P95Ms < 94 || out.P95Ms > 96 {
		t.Fatalf("p95 = %v", out.P95Ms)
	}
	if out.MeanMs < 50 || out.MeanMs > 51 {
		t.Fatalf("mean = %v", out.MeanMs)
	}
}
