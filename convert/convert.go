package convert

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/clipgo/clipgo/fs/ggml"
)

// ModelParameters holds the fields shared by every config.json.
type ModelParameters struct {
	Architectures []string `json:"architectures"`
}

func (ModelParameters) KV(t *Tokenizer) ggml.KV {
	kv := ggml.KV{
		"general.file_type":            uint32(1),
		"general.quantization_version": uint32(2),
		"tokenizer.ggml.model":         t.Model,
		"tokenizer.ggml.tokens":        t.Tokens,
		"tokenizer.ggml.token_type":    t.Types,
	}

	if len(t.Merges) > 0 {
		kv["tokenizer.ggml.merges"] = t.Merges
	}

	for _, sv := range t.SpecialVocabulary {
		kv[fmt.Sprintf("tokenizer.ggml.%s_token_id", sv.Key())] = uint32(sv.ID)
		kv[fmt.Sprintf("tokenizer.ggml.add_%s_token", sv.Key())] = sv.AddToken
	}

	return kv
}

func (ModelParameters) specialTokenTypes() []string {
	return []string{"bos", "eos", "unk", "sep", "pad", "cls", "mask"}
}

type ModelConverter interface {
	// KV maps the config parameters to gguf key-values
	KV(*Tokenizer) ggml.KV
	// Tensors maps the input tensors to gguf tensors
	Tensors([]Tensor) []*ggml.Tensor
	// Replacements returns a list of string pairs to rewrite tensor names
	Replacements() []string

	specialTokenTypes() []string
}

// ConvertModel reads a checkpoint directory and writes it as a single
// gguf file. The architecture is taken from config.json.
func ConvertModel(fsys fs.FS, f *os.File) error {
	bts, err := fs.ReadFile(fsys, "config.json")
	if err != nil {
		return err
	}

	var p ModelParameters
	if err := json.Unmarshal(bts, &p); err != nil {
		return err
	}

	if len(p.Architectures) < 1 {
		return errors.New("unknown architecture")
	}

	var conv ModelConverter
	switch p.Architectures[0] {
	case "CLIPModel":
		conv = &clipModel{}
	case "ChineseCLIPModel":
		conv = &clipModel{textBackbone: backboneBert}
	default:
		return fmt.Errorf("unsupported architecture %q", p.Architectures[0])
	}

	if err := json.Unmarshal(bts, conv); err != nil {
		return err
	}

	t, err := parseTokenizer(fsys, conv.specialTokenTypes())
	if err != nil {
		return err
	}

	ts, err := parseTensors(fsys, strings.NewReplacer(conv.Replacements()...))
	if err != nil {
		return err
	}

	return writeFile(f, conv.KV(t), conv.Tensors(ts))
}

func writeFile(f *os.File, kv ggml.KV, ts []*ggml.Tensor) error {
	slog.Debug("writing gguf", "path", f.Name(), "tensors", len(ts))
	return ggml.WriteGGUF(f, kv, ts)
}
