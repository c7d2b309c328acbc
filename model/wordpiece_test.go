package model

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newTestWordPiece(lowercase bool) WordPiece {
	return NewWordPiece(&Vocabulary{
		Values: []string{
			"[PAD]",   // 0
			"[UNK]",   // 1
			"[CLS]",   // 2
			"[SEP]",   // 3
			"hello",   // 4
			"world",   // 5
			"##ly",    // 6
			"friend",  // 7
			"!",       // 8
			"你",       // 9
			"好",       // 10
		},
		Types: []int32{
			TokenTypeControl, TokenTypeControl, TokenTypeControl, TokenTypeControl,
			TokenTypeNormal, TokenTypeNormal, TokenTypeNormal, TokenTypeNormal,
			TokenTypeNormal, TokenTypeNormal, TokenTypeNormal,
		},
		BOS:    2,
		EOS:    3,
		AddBOS: true,
		AddEOS: true,
	}, lowercase)
}

func TestWordPieceEncode(t *testing.T) {
	wpm := newTestWordPiece(true)

	cases := map[string][]int32{
		"hello world":   {4, 5},
		"Hello WORLD":   {4, 5},
		"friendly":      {7, 6},
		"hello world!":  {4, 5, 8},
		"hello unknown": {4, 1},
		"你好":            {9, 10},
	}

	for s, want := range cases {
		t.Run(s, func(t *testing.T) {
			ids, err := wpm.Encode(s, false)
			if err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff(want, ids); diff != "" {
				t.Errorf("unexpected ids (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWordPieceCase(t *testing.T) {
	wpm := newTestWordPiece(false)

	ids, err := wpm.Encode("Hello", false)
	if err != nil {
		t.Fatal(err)
	}

	// without lowercasing the capitalized form is unknown
	if diff := cmp.Diff([]int32{1}, ids); diff != "" {
		t.Errorf("unexpected ids (-want +got):\n%s", diff)
	}
}

func TestWordPieceSpecials(t *testing.T) {
	wpm := newTestWordPiece(true)

	ids, err := wpm.Encode("hello", true)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int32{2, 4, 3}, ids); diff != "" {
		t.Errorf("unexpected ids (-want +got):\n%s", diff)
	}

	// empty input still gets both sentinels
	ids, err = wpm.Encode("", true)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int32{2, 3}, ids); diff != "" {
		t.Errorf("unexpected ids (-want +got):\n%s", diff)
	}
}

func TestWordPieceDecode(t *testing.T) {
	wpm := newTestWordPiece(true)

	s, err := wpm.Decode([]int32{4, 5, 8})
	if err != nil {
		t.Fatal(err)
	}

	if s != "hello world!" {
		t.Errorf("got %q, want %q", s, "hello world!")
	}

	s, err = wpm.Decode([]int32{7, 6})
	if err != nil {
		t.Fatal(err)
	}

	if s != "friendly" {
		t.Errorf("got %q, want %q", s, "friendly")
	}
}
