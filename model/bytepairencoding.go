package model

import (
	"cmp"
	"slices"
	"strings"

	"github.com/dlclark/regexp2"
	heap "github.com/emirpasic/gods/v2/trees/binaryheap"

	"github.com/clipgo/clipgo/logutil"
)

// BytePairEncoding is a byte-level BPE tokenizer in the style used for
// contrastive image-text models: input is lowercased, runs of whitespace
// collapse to a single space, and the final symbol of every word carries
// the end-of-word marker so "cat " and "cat(" tokenize differently.
type BytePairEncoding struct {
	pretokenizer string

	vocab *Vocabulary
}

func NewBytePairEncoding(pretokenizer string, vocab *Vocabulary) BytePairEncoding {
	return BytePairEncoding{pretokenizer: pretokenizer, vocab: vocab}
}

const wordSuffix = "</w>"

func (bpe BytePairEncoding) split(s string) ([]string, error) {
	re, err := regexp2.Compile(bpe.pretokenizer, regexp2.Unicode|regexp2.IgnoreCase)
	if err != nil {
		return nil, err
	}

	var matches []string
	for m, _ := re.FindStringMatch(s); m != nil; m, _ = re.FindNextMatch(m) {
		matches = append(matches, m.String())
	}

	return matches, nil
}

// pair is a pair of adjacent symbols and its merge rank
type pair struct {
	a, b  int
	rank  int
	value string
}

type merge struct {
	p, n  int
	parts []string
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// symbols maps a word to its initial BPE symbols: one printable rune per
// byte, with the end-of-word marker folded into the last symbol.
func symbols(word string) []string {
	var parts []string
	for _, b := range []byte(word) {
		r := rune(b)
		switch {
		case r == 0x00ad:
			r = 0x0143
		case r <= 0x0020:
			r = r + 0x0100
		case r >= 0x007f && r <= 0x00a0:
			r = r + 0x00a2
		}

		parts = append(parts, string(r))
	}

	if len(parts) > 0 {
		parts[len(parts)-1] += wordSuffix
	}

	return parts
}

// Encode implements TextProcessor.
func (bpe BytePairEncoding) Encode(s string, addSpecial bool) ([]int32, error) {
	type fragment struct {
		value string
		ids   []int32
	}

	fragments := []fragment{{value: normalize(s)}}
	for _, special := range bpe.vocab.SpecialVocabulary() {
		id := bpe.vocab.Encode(special)
		for i := 0; i < len(fragments); i++ {
			frag := fragments[i]
			if len(frag.ids) > 0 {
				continue
			}

			var middle []fragment
			switch i := strings.Index(frag.value, special); {
			case i < 0:
				middle = append(middle, frag)
			case i > 0:
				middle = append(middle, fragment{value: frag.value[:i]})
				fallthrough
			default:
				middle = append(middle, fragment{value: special, ids: []int32{id}})
				if rest := frag.value[i+len(special):]; rest != "" {
					middle = append(middle, fragment{value: rest})
				}
			}

			fragments = append(fragments[:i], append(middle, fragments[i+1:]...)...)
		}
	}

	var ids []int32
	for _, frag := range fragments {
		if len(frag.ids) > 0 {
			ids = append(ids, frag.ids...)
			continue
		}

		splits, err := bpe.split(frag.value)
		if err != nil {
			return nil, err
		}

		for _, split := range splits {
			parts := symbols(split)

			// short circuit if the whole word is in the vocabulary
			if id := bpe.vocab.Encode(strings.Join(parts, "")); id >= 0 {
				ids = append(ids, id)
				continue
			}

			merges := make([]merge, len(parts))
			for i := range parts {
				merges[i] = merge{
					p:     i - 1,
					n:     i + 1,
					parts: []string{parts[i]},
				}
			}

			pairwise := func(a, b int) *pair {
				if a < 0 || b >= len(parts) {
					return nil
				}

				left, right := strings.Join(merges[a].parts, ""), strings.Join(merges[b].parts, "")
				rank := bpe.vocab.Merge(left, right)
				if rank < 0 {
					return nil
				}

				return &pair{
					a:     a,
					b:     b,
					rank:  rank,
					value: left + right,
				}
			}

			pairs := heap.NewWith(func(i, j *pair) int {
				return cmp.Compare(i.rank, j.rank)
			})

			for i := range len(parts) - 1 {
				if pair := pairwise(i, i+1); pair != nil {
					pairs.Push(pair)
				}
			}

			for !pairs.Empty() {
				pair, _ := pairs.Pop()

				left, right := merges[pair.a], merges[pair.b]
				if len(left.parts) == 0 || len(right.parts) == 0 ||
					strings.Join(left.parts, "")+strings.Join(right.parts, "") != pair.value {
					continue
				}

				merges[pair.a].parts = append(left.parts, right.parts...)
				merges[pair.b].parts = nil

				merges[pair.a].n = right.n
				if right.n < len(merges) {
					merges[right.n].p = pair.a
				}

				if pair := pairwise(merges[pair.a].p, pair.a); pair != nil {
					pairs.Push(pair)
				}

				if pair := pairwise(pair.a, merges[pair.a].n); pair != nil {
					pairs.Push(pair)
				}
			}

			for _, merge := range merges {
				if len(merge.parts) > 0 {
					if id := bpe.vocab.Encode(strings.Join(merge.parts, "")); id >= 0 {
						ids = append(ids, id)
					}
				}
			}
		}
	}

	if addSpecial {
		ids = bpe.vocab.addSpecials(ids)
	}

	logutil.Trace("encoded", "string", s, "ids", ids)
	return ids, nil
}

// Decode implements TextProcessor.
func (bpe BytePairEncoding) Decode(ids []int32) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		piece := bpe.vocab.Decode(id)
		if slices.Contains(bpe.vocab.SpecialVocabulary(), piece) {
			continue
		}

		for _, r := range piece {
			switch {
			case r == 0x0100:
				// produces 0x00 aka NULL
				continue
			case r == 0x0143:
				r = 0x00ad
			case r > 0x0100 && r <= 0x0120:
				r = r - 0x0100
			case r > 0x0120 && r <= 0x0142:
				r = r - 0x00a2
			}

			// NOTE: not using WriteRune here because it writes the UTF-8
			// encoding of the rune which is _not_ what we want
			if err := sb.WriteByte(byte(r)); err != nil {
				return "", err
			}
		}
	}

	return strings.TrimSpace(strings.ReplaceAll(sb.String(), wordSuffix, " ")), nil
}

// Is implements TextProcessor.
func (bpe BytePairEncoding) Is(id int32, special Special) bool {
	return bpe.vocab.Is(id, special)
}

// Vocabulary implements TextProcessor.
func (bpe BytePairEncoding) Vocabulary() *Vocabulary {
	return bpe.vocab
}

var _ TextProcessor = (*BytePairEncoding)(nil)
