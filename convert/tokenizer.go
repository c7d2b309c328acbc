package convert

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"
)

const (
	tokenTypeNormal int32 = iota + 1
	tokenTypeUnknown
	tokenTypeControl
	tokenTypeUserDefined
	tokenTypeUnused
	tokenTypeByte
)

type Tokenizer struct {
	*Vocabulary
	SpecialVocabulary []*SpecialVocabulary
	Merges            []string

	Lowercase *bool
}

type Vocabulary struct {
	Model  string
	Tokens []string
	Types  []int32
}

type SpecialVocabulary struct {
	Type     string
	ID       int
	Content  string
	AddToken bool
}

func (sv SpecialVocabulary) Key() string {
	switch t := sv.Type; t {
	case "bos", "eos", "cls", "mask":
		return t
	case "unk":
		return "unknown"
	case "sep":
		//nolint:misspell // this is the canonical spelling of the key
		return "seperator"
	case "pad":
		return "padding"
	}

	panic("unknown special vocabulary type")
}

type token struct {
	ID      int    `json:"id"`
	Content string `json:"content"`
	Special bool   `json:"special"`
}

func parseTokenizer(fsys fs.FS, specialTokenTypes []string) (*Tokenizer, error) {
	v, merges, err := parseVocabulary(fsys)
	if err != nil {
		return nil, err
	}

	t := &Tokenizer{
		Vocabulary: v,
		Merges:     merges,
	}

	if f, err := fsys.Open("tokenizer_config.json"); errors.Is(err, os.ErrNotExist) {
	} else if err != nil {
		return nil, err
	} else {
		defer f.Close()

		var p map[string]json.RawMessage
		if err := json.NewDecoder(f).Decode(&p); err != nil {
			return nil, err
		}

		if bts, ok := p["do_lower_case"]; ok {
			var lowercase bool
			if err := json.Unmarshal(bts, &lowercase); err == nil {
				t.Lowercase = &lowercase
			}
		}

		for _, st := range specialTokenTypes {
			sv := SpecialVocabulary{Type: st, AddToken: true}
			if bts, ok := p[fmt.Sprintf("add_%s_token", st)]; ok {
				if err := json.Unmarshal(bts, &sv.AddToken); err != nil {
					return nil, err
				}
			}

			bts, ok := p[fmt.Sprintf("%s_token", st)]
			if !ok {
				continue
			}

			var content string
			if err := json.Unmarshal(bts, &content); err != nil {
				// some tokenizers store the token as an object
				var wrapped struct {
					Content string `json:"content"`
				}
				if err := json.Unmarshal(bts, &wrapped); err != nil {
					continue
				}

				content = wrapped.Content
			}

			if id := slices.Index(t.Tokens, content); content != "" && id >= 0 {
				sv.ID = id
				sv.Content = content
				t.Types[id] = tokenTypeControl
				t.SpecialVocabulary = append(t.SpecialVocabulary, &sv)
			}
		}
	}

	return t, nil
}

func parseVocabulary(fsys fs.FS) (*Vocabulary, []string, error) {
	patterns := []struct {
		Pattern string
		Func    func(fs.FS) (*Vocabulary, []string, error)
	}{
		{"tokenizer.json", parseVocabularyFromTokenizer},
		{"vocab.json", parseVocabularyFromBPE},
		{"vocab.txt", parseVocabularyFromWordPiece},
	}

	for _, pattern := range patterns {
		if _, err := fs.Stat(fsys, pattern.Pattern); errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, nil, err
		}

		return pattern.Func(fsys)
	}

	return nil, nil, errors.New("unknown tokenizer format")
}

func parseVocabularyFromTokenizer(fsys fs.FS) (*Vocabulary, []string, error) {
	bts, err := fs.ReadFile(fsys, "tokenizer.json")
	if err != nil {
		return nil, nil, err
	}

	var t struct {
		AddedTokens []token `json:"added_tokens"`
		Model       struct {
			Type   string          `json:"type"`
			Vocab  map[string]int  `json:"vocab"`
			Merges json.RawMessage `json:"merges"`
		} `json:"model"`
	}

	if err := json.Unmarshal(bts, &t); err != nil {
		return nil, nil, err
	}

	tokens := make(map[int]token, len(t.Model.Vocab))
	for content, id := range t.Model.Vocab {
		tokens[id] = token{ID: id, Content: content}
	}

	for _, added := range t.AddedTokens {
		added.Special = true
		tokens[added.ID] = added
	}

	v := &Vocabulary{Model: "gpt2"}
	if t.Model.Type == "WordPiece" {
		v.Model = "bert"
	}

	for i := range len(tokens) {
		tok, ok := tokens[i]
		if !ok {
			return nil, nil, fmt.Errorf("missing token for id %d", i)
		}

		v.Tokens = append(v.Tokens, tok.Content)

		tokenType := tokenTypeNormal
		if tok.Special {
			tokenType = tokenTypeControl
		}
		v.Types = append(v.Types, tokenType)
	}

	var merges []string
	if len(t.Model.Merges) > 0 {
		if err := json.Unmarshal(t.Model.Merges, &merges); err != nil {
			// newer tokenizers store merges as pairs
			var pairs [][]string
			if err := json.Unmarshal(t.Model.Merges, &pairs); err != nil {
				return nil, nil, err
			}

			merges = make([]string, len(pairs))
			for i, pair := range pairs {
				merges[i] = strings.Join(pair, " ")
			}
		}
	}

	return v, merges, nil
}

func parseVocabularyFromBPE(fsys fs.FS) (*Vocabulary, []string, error) {
	bts, err := fs.ReadFile(fsys, "vocab.json")
	if err != nil {
		return nil, nil, err
	}

	var vocab map[string]int
	if err := json.Unmarshal(bts, &vocab); err != nil {
		return nil, nil, err
	}

	tokens := make([]string, len(vocab))
	for content, id := range vocab {
		if id < 0 || id >= len(tokens) {
			return nil, nil, fmt.Errorf("vocabulary id %d out of range", id)
		}

		tokens[id] = content
	}

	types := make([]int32, len(tokens))
	for i, tok := range tokens {
		types[i] = tokenTypeNormal
		if strings.HasPrefix(tok, "<|") && strings.HasSuffix(tok, "|>") {
			types[i] = tokenTypeControl
		}
	}

	var merges []string
	if f, err := fsys.Open("merges.txt"); errors.Is(err, os.ErrNotExist) {
	} else if err != nil {
		return nil, nil, err
	} else {
		defer f.Close()

		sc := bufio.NewScanner(f)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}

			merges = append(merges, line)
		}

		if err := sc.Err(); err != nil {
			return nil, nil, err
		}
	}

	return &Vocabulary{Model: "gpt2", Tokens: tokens, Types: types}, merges, nil
}

func parseVocabularyFromWordPiece(fsys fs.FS) (*Vocabulary, []string, error) {
	f, err := fsys.Open("vocab.txt")
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	v := &Vocabulary{Model: "bert"}

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		tok := strings.TrimSpace(sc.Text())
		if tok == "" {
			continue
		}

		tokenType := tokenTypeNormal
		if strings.HasPrefix(tok, "[") && strings.HasSuffix(tok, "]") {
			tokenType = tokenTypeControl
		}

		v.Tokens = append(v.Tokens, tok)
		v.Types = append(v.Types, tokenType)
	}

	if err := sc.Err(); err != nil {
		return nil, nil, err
	}

	return v, nil, nil
}
