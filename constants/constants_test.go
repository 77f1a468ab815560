package constants

import "testing"

func TestCanonicalize(t *testing.T) {
	cases := []struct {
		in   string
		want DocType
		ok   bool
	}{
		{"invoice", Invoice, true},
		{" Purchase Order ", PurchaseOrder, true},
		{"delivery-note", DeliveryNote, true},
		{"Fattura", Invoice, true},
		{"DDT", DeliveryNote, true},
		{"", Other, false},
		{"spaceship", Other, false},
	}
	for _, c := range cases {
		got, ok := Canonicalize(c.in)
		if got != c.want || ok != c.ok {
			t.Errorf("Canonicalize(%q) = %q,%v want %q,%v", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestDisplayName(t *testing.T) {
	if got := PaymentSlip.DisplayName(); got != "Payment Slip" {
		t.Fatalf("DisplayName = %q", got)
	}
	if got := DocType("nope").DisplayName(); got != "Other" {
		t.Fatalf("unknown DisplayName = %q", got)
	}
	if len(AsStringSlice()) != 10 {
		t.Fatalf("taxonomy size = %d, want 10", len(AsStringSlice()))
	}
}

func TestCanTransition(t *testing.T) {
	legal := [][2]JobState{
		{JobWaiting, JobActive},
		{JobActive, JobCompleted},
		{JobActive, JobFailed},
		{JobActive, JobDelayed},
		{JobActive, JobStalled},
		{JobDelayed, JobWaiting},
		{JobStalled, JobWaiting},
		{JobStalled, JobFailed},
	}
	for _, e := range legal {
		if !CanTransition(e[0], e[1]) {
			t.Errorf("%s -> %s should be legal", e[0], e[1])
		}
	}
	illegal := [][2]JobState{
		{JobWaiting, JobCompleted},
		{JobCompleted, JobWaiting},
		{JobFailed, JobWaiting},
		{JobDelayed, JobActive},
	}
	for _, e := range illegal {
		if CanTransition(e[0], e[1]) {
			t.Errorf("%s -> %s should be illegal", e[0], e[1])
		}
	}
}

func TestFormatForMIME(t *testing.T) {
	if FormatForMIME("application/pdf") != PDF {
		t.Fatal("pdf not mapped")
	}
	if FormatForMIME("image/png; charset=binary") != IMAGE {
		t.Fatal("png with params not mapped")
	}
	if FormatForMIME("text/plain") != "" {
		t.Fatal("text/plain should be unsupported")
	}
}
