package model

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

const testPretokenizer = `<\|startoftext\|>|<\|endoftext\|>|'s|'t|'re|'ve|'m|'ll|'d|[\p{L}]+|\p{N}|[^\s\p{L}\p{N}]+`

func newTestBPE() BytePairEncoding {
	return NewBytePairEncoding(testPretokenizer, &Vocabulary{
		Values: []string{
			"<|startoftext|>", // 0
			"<|endoftext|>",   // 1
			"h",               // 2
			"e",               // 3
			"l",               // 4
			"o",               // 5
			"o</w>",           // 6
			"l</w>",           // 7
			"he",              // 8
			"ll",              // 9
			"hell",            // 10
			"hello</w>",       // 11
			"~</w>",           // 12
		},
		Types: []int32{
			TokenTypeControl, TokenTypeControl,
			TokenTypeNormal, TokenTypeNormal, TokenTypeNormal, TokenTypeNormal,
			TokenTypeNormal, TokenTypeNormal, TokenTypeNormal, TokenTypeNormal,
			TokenTypeNormal, TokenTypeNormal, TokenTypeNormal,
		},
		Merges: []string{
			"h e",
			"l l",
			"he ll",
			"hell o</w>",
		},
		BOS:    0,
		EOS:    1,
		AddBOS: true,
		AddEOS: true,
	})
}

func TestBytePairEncoding(t *testing.T) {
	bpe := newTestBPE()

	cases := map[string][]int32{
		"hello":          {11},
		"Hello":          {11},
		"  hello \n":     {11},
		"ol":             {5, 7},
		"helloo":         {10, 5, 6},
		"hello ol":       {11, 5, 7},
		"<|endoftext|>":  {1},
		"hello<|endoftext|>ol": {11, 1, 5, 7},
		"~":              {12},
		"hello~":         {11, 12},
	}

	for s, want := range cases {
		t.Run(s, func(t *testing.T) {
			ids, err := bpe.Encode(s, false)
			if err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff(want, ids); diff != "" {
				t.Errorf("unexpected ids (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBytePairEncodingSpecials(t *testing.T) {
	bpe := newTestBPE()

	ids, err := bpe.Encode("hello", true)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int32{0, 11, 1}, ids); diff != "" {
		t.Errorf("unexpected ids (-want +got):\n%s", diff)
	}

	if !bpe.Is(ids[0], SpecialBOS) || !bpe.Is(ids[len(ids)-1], SpecialEOS) {
		t.Error("expected ids to be wrapped in bos and eos")
	}
}

func TestBytePairEncodingEmpty(t *testing.T) {
	bpe := newTestBPE()

	ids, err := bpe.Encode("", true)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int32{0, 1}, ids); diff != "" {
		t.Errorf("unexpected ids (-want +got):\n%s", diff)
	}
}

func TestBytePairEncodingDecode(t *testing.T) {
	bpe := newTestBPE()

	s, err := bpe.Decode([]int32{0, 11, 5, 7, 1})
	if err != nil {
		t.Fatal(err)
	}

	if s != "hello ol" {
		t.Errorf("got %q, want %q", s, "hello ol")
	}
}

func TestBytePairEncodingRoundTrip(t *testing.T) {
	bpe := newTestBPE()

	for _, s := range []string{"hello", "ol", "hello ol", "~"} {
		ids, err := bpe.Encode(s, false)
		if err != nil {
			t.Fatal(err)
		}

		got, err := bpe.Decode(ids)
		if err != nil {
			t.Fatal(err)
		}

		if got != s {
			t.Errorf("round trip of %q gave %q", s, got)
		}
	}
}
