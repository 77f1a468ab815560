package ocr

import (
	"strings"
	"testing"
)

func TestHeuristicConfidence(t *testing.T) {
	long := strings.Repeat("Fattura numero 12 del fornitore, data e totale dovuto.\n", 12)

	cases := []struct {
		name string
		in   string
		want float64
	}{
		// base 50, short line penalty; blank pages are not special-cased
		{"empty", "   \n", 40},
		// base 50, no bonuses, short line penalty
		{"short word", "hello", 40},
		// base 50 + punctuation + digits; lines average well over 10 chars
		{"plain sentence", "The meeting is at 10 o'clock, room four.", 60},
		// >500 chars (+20), 4 keywords capped at +20, punctuation, digits
		{"long invoice", long, 100},
		// noise over 20% (-20), short lines (-10), digits (+5)
		{"garbled", "#@ 1\n~^ *\n<> 2", 25},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := HeuristicConfidence(c.in); got != c.want {
				t.Fatalf("HeuristicConfidence(%q) = %v, want %v", c.in, got, c.want)
			}
		})
	}
}

func TestHeuristicConfidenceBounds(t *testing.T) {
	inputs := []string{
		strings.Repeat("§", 1000),
		strings.Repeat("Totale IVA fattura data ordine importo 1.000,00\n", 50),
		"\x00\x01\x02",
	}
	for _, in := range inputs {
		got := HeuristicConfidence(in)
		if got < 0 || got > 100 {
			t.Fatalf("confidence %v out of range", got)
		}
	}
}

func TestKeywordScoreCapped(t *testing.T) {
	if got := keywordScore("invoice fattura total totale date data order ordine"); got != confKeywordCap {
		t.Fatalf("keywordScore = %v, want cap %v", got, confKeywordCap)
	}
	if got := keywordScore("totalmente"); got != 0 {
		t.Fatalf("substring must not count as keyword, got %v", got)
	}
}

func TestNormalize(t *testing.T) {
	in := "FATTURA\r\n\tN. 12   del 01/02/2024  \r\n\n\n\n\nTotale\f 10,00\n"
	want := "FATTURA\n N. 12 del 01/02/2024\n\nTotale 10,00"
	if got := Normalize(in); got != want {
		t.Fatalf("Normalize = %q, want %q", got, want)
	}
}

func TestMeanTSVConfidence(t *testing.T) {
	tsv := "level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext\n" +
		"1\t1\t0\t0\t0\t0\t0\t0\t100\t100\t-1\t\n" +
		"5\t1\t1\t1\t1\t1\t10\t10\t50\t20\t90\tFATTURA\n" +
		"5\t1\t1\t1\t1\t2\t70\t10\t30\t20\t70\t12\n"
	if got := meanTSVConfidence(tsv); got != 80 {
		t.Fatalf("meanTSVConfidence = %v, want 80", got)
	}
}
