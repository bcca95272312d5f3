package state

import (
	"context"
	"encoding/json"
	"testing"
)

func TestCommitVersionMonotonicAndRoundTrip(t *testing.T) {
	s := New(nil, nil)
	ctx := context.Background()

	var commits []Commit
	s.Subscribe(func(c Commit) { commits = append(commits, c) })

	go func() { _ = s.Run(ctx) }()

	if err := s.Set(ctx, func(n *AppState) error {
		n.PowerMeter.Watts = 12.5
		n.PowerMeter.Phase = PhaseReady
		return nil
	}); err != nil {
		t.Fatalf("set: %v", err)
	}

	if err := s.Set(ctx, func(n *AppState) error {
		n.PowerMeter.Watts = 13.0
		return nil
	}); err != nil {
		t.Fatalf("set: %v", err)
	}

	if len(commits) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(commits))
	}
	for i, c := range commits {
		if c.To != c.From+1 {
			t.Fatalf("commit %d: version did not increase by exactly 1: from=%d to=%d", i, c.From, c.To)
		}
	}
	if commits[1].From != commits[0].To {
		t.Fatalf("version sequence not contiguous: %d -> %d", commits[0].To, commits[1].From)
	}
}

func TestApplyPatchRoundTrip(t *testing.T) {
	s := New(nil, nil)
	ctx := context.Background()
	go func() { _ = s.Run(ctx) }()

	before := s.GetSnapshot()
	beforeJSON, err := json.Marshal(before)
	if err != nil {
		t.Fatal(err)
	}

	var gotPatch Patch
	s.Subscribe(func(c Commit) { gotPatch = c.Patch })

	if err := s.Set(ctx, func(n *AppState) error {
		n.FrontPanel.PowerSense = "on"
		n.FrontPanel.HDDActive = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	after := s.GetSnapshot()
	afterJSON, err := json.Marshal(after)
	if err != nil {
		t.Fatal(err)
	}

	patched, err := gotPatch.Apply(beforeJSON)
	if err != nil {
		t.Fatalf("apply patch: %v", err)
	}

	var want, got map[string]interface{}
	if err := json.Unmarshal(afterJSON, &want); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(patched, &got); err != nil {
		t.Fatal(err)
	}
	wantCanon, _ := json.Marshal(want)
	gotCanon, _ := json.Marshal(got)
	if string(wantCanon) != string(gotCanon) {
		t.Fatalf("round trip mismatch:\nwant=%s\ngot=%s", wantCanon, gotCanon)
	}
}

func TestSetAlwaysBumpsVersionEvenWithoutChange(t *testing.T) {
	s := New(nil, nil)
	ctx := context.Background()
	go func() { _ = s.Run(ctx) }()

	noop := func(n *AppState) error { return nil }
	if err := s.Set(ctx, noop); err != nil {
		t.Fatal(err)
	}
	v1 := s.Peek().Version
	if err := s.Set(ctx, noop); err != nil {
		t.Fatal(err)
	}
	v2 := s.Peek().Version
	if v2 != v1+1 {
		t.Fatalf("expected version to bump on unchanged set: v1=%d v2=%d", v1, v2)
	}
}

func TestSubscribeSliceFiltersToPrefix(t *testing.T) {
	s := New(nil, nil)
	ctx := context.Background()
	go func() { _ = s.Run(ctx) }()

	var sliceCommits int
	s.SubscribeSlice(SlicePS2Mouse, func(c Commit) { sliceCommits++ }, SubscribeSliceOpts{})

	// Mutation that does NOT touch ps2Mouse should not notify the slice sub.
	if err := s.Set(ctx, func(n *AppState) error {
		n.FrontPanel.PowerSense = "off"
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if sliceCommits != 0 {
		t.Fatalf("expected 0 slice notifications for unrelated mutation, got %d", sliceCommits)
	}

	if err := s.Set(ctx, func(n *AppState) error {
		n.PS2Mouse.Gain = 10
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if sliceCommits != 1 {
		t.Fatalf("expected 1 slice notification, got %d", sliceCommits)
	}
}
