package powermeter

import "testing"

func TestHandleLineParsesSample(t *testing.T) {
	d := New(nil)
	d.HandleLine("120.5,230.0,0.52")
	got := d.Last()
	if got.Watts != 120.5 || got.Volts != 230.0 || got.Amps != 0.52 {
		t.Fatalf("got %+v", got)
	}
}

func TestHandleLineIgnoresMalformed(t *testing.T) {
	d := New(nil)
	d.HandleLine("120.5,230.0,0.52")
	before := d.Last()
	d.HandleLine("garbage")
	after := d.Last()
	if after != before {
		t.Fatalf("malformed line should not change last sample: before=%+v after=%+v", before, after)
	}
}
