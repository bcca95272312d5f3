package discovery

import "testing"

func boolPtr(b bool) *bool { return &b }

func mustCompile(t *testing.T, m *Matcher) *Matcher {
	t.Helper()
	if err := m.Compile(); err != nil {
		t.Fatalf("compile %+v: %v", m, err)
	}
	return m
}

func TestClassifyActiveProbeWins(t *testing.T) {
	mouse := mustCompile(t, &Matcher{Kind: "ps2-mouse", IdentificationString: "MS"})
	keyboard := mustCompile(t, &Matcher{Kind: "ps2-keyboard", IdentificationString: "KB"})

	port := PortInfo{Path: "/dev/ttyUSB0"}
	probe := func(m *Matcher) bool { return m.Kind == "ps2-mouse" }

	got := classify(port, []*Matcher{mouse, keyboard}, probe)
	if got == nil || got.Kind != "ps2-mouse" {
		t.Fatalf("expected ps2-mouse to win active probe, got %+v", got)
	}
}

func TestClassifyExactStaticShortcutSkipsProbing(t *testing.T) {
	static := mustCompile(t, &Matcher{
		Kind:             "power-meter",
		IdentifyRequired: boolPtr(false),
		SerialNumber:     "PM-0042",
	})
	port := PortInfo{Path: "/dev/ttyUSB1", SerialNumber: "PM-0042"}

	probeCalled := false
	probe := func(m *Matcher) bool { probeCalled = true; return false }

	got := classify(port, []*Matcher{static}, probe)
	if got == nil || got.Kind != "power-meter" {
		t.Fatalf("expected exact static match, got %+v", got)
	}
	if probeCalled {
		t.Fatal("exact-static shortcut must skip active probing entirely")
	}
}

func TestClassifyStaticFallbackScoring(t *testing.T) {
	weak := mustCompile(t, &Matcher{
		Kind:             "generic",
		IdentifyRequired: boolPtr(false),
		PathRegex:        `ttyUSB\d+`,
	})
	strong := mustCompile(t, &Matcher{
		Kind:             "atlona",
		IdentifyRequired: boolPtr(false),
		VendorID:         "0403",
	})
	port := PortInfo{Path: "/dev/ttyUSB2", VendorID: "0403", ProductID: "6001"}

	got := classify(port, []*Matcher{weak, strong}, nil)
	if got == nil || got.Kind != "atlona" {
		t.Fatalf("expected higher-scoring vendorId matcher to win, got %+v", got)
	}
}

func TestClassifyNoEligibleMatcherSkipsPort(t *testing.T) {
	m := mustCompile(t, &Matcher{Kind: "atlona", VendorID: "0403", IdentificationString: "AC"})
	port := PortInfo{Path: "/dev/ttyUSB3", VendorID: "9999"}

	if got := classify(port, []*Matcher{m}, func(*Matcher) bool { return true }); got != nil {
		t.Fatalf("expected no match for ineligible port, got %+v", got)
	}
}

func TestMatcherCompileRejectsMissingIdentificationString(t *testing.T) {
	m := &Matcher{Kind: "x"}
	if err := m.Compile(); err == nil {
		t.Fatal("expected error: identifyRequired defaults true and needs identificationString")
	}
}
