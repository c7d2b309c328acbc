package convert

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"math"
	"slices"
	"strings"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"

	"github.com/clipgo/clipgo/fs/ggml"
)

const (
	backboneCausal = "causal"
	backboneBert   = "bert"
)

type clipModel struct {
	ModelParameters

	ProjectionDim  uint32  `json:"projection_dim"`
	LogitScaleInit float32 `json:"logit_scale_init_value"`

	VisionConfig struct {
		HiddenSize        uint32  `json:"hidden_size"`
		NumHiddenLayers   uint32  `json:"num_hidden_layers"`
		NumAttentionHeads uint32  `json:"num_attention_heads"`
		NumChannels       uint32  `json:"num_channels"`
		ImageSize         uint32  `json:"image_size"`
		PatchSize         uint32  `json:"patch_size"`
		LayerNormEps      float32 `json:"layer_norm_eps"`
	} `json:"vision_config"`

	TextConfig struct {
		HiddenSize            uint32  `json:"hidden_size"`
		NumHiddenLayers       uint32  `json:"num_hidden_layers"`
		NumAttentionHeads     uint32  `json:"num_attention_heads"`
		MaxPositionEmbeddings uint32  `json:"max_position_embeddings"`
		LayerNormEps          float32 `json:"layer_norm_eps"`
	} `json:"text_config"`

	// set from the architecture, not the config
	textBackbone string
}

var _ ModelConverter = (*clipModel)(nil)

func (m *clipModel) backbone() string {
	return cmp.Or(m.textBackbone, backboneCausal)
}

func (m *clipModel) KV(t *Tokenizer) ggml.KV {
	kv := m.ModelParameters.KV(t)
	kv["general.architecture"] = "clip"

	kv["embedding_length"] = m.ProjectionDim

	kv["vision.block_count"] = m.VisionConfig.NumHiddenLayers
	kv["vision.embedding_length"] = m.VisionConfig.HiddenSize
	kv["vision.attention.head_count"] = m.VisionConfig.NumAttentionHeads
	kv["vision.attention.layer_norm_epsilon"] = cmp.Or(m.VisionConfig.LayerNormEps, 1e-5)
	kv["vision.image_size"] = cmp.Or(m.VisionConfig.ImageSize, 224)
	kv["vision.patch_size"] = cmp.Or(m.VisionConfig.PatchSize, 32)
	kv["vision.num_channels"] = cmp.Or(m.VisionConfig.NumChannels, 3)

	kv["text.backbone"] = m.backbone()

	switch m.backbone() {
	case backboneCausal:
		kv["text.block_count"] = m.TextConfig.NumHiddenLayers
		kv["text.embedding_length"] = m.TextConfig.HiddenSize
		kv["text.attention.head_count"] = m.TextConfig.NumAttentionHeads
		kv["text.attention.layer_norm_epsilon"] = cmp.Or(m.TextConfig.LayerNormEps, 1e-5)
		kv["text.context_length"] = cmp.Or(m.TextConfig.MaxPositionEmbeddings, 77)

		setTokenID(kv, t, "bos_token_id", "<|startoftext|>")
		setTokenID(kv, t, "eos_token_id", "<|endoftext|>")
	case backboneBert:
		kv["bert.block_count"] = m.TextConfig.NumHiddenLayers
		kv["bert.embedding_length"] = m.TextConfig.HiddenSize
		kv["bert.attention.head_count"] = m.TextConfig.NumAttentionHeads
		kv["bert.attention.layer_norm_epsilon"] = cmp.Or(m.TextConfig.LayerNormEps, 1e-12)
		kv["bert.context_length"] = cmp.Or(m.TextConfig.MaxPositionEmbeddings, 512)

		if t.Lowercase != nil {
			kv["tokenizer.ggml.lowercase"] = *t.Lowercase
		}

		setTokenID(kv, t, "cls_token_id", "[CLS]")
		setTokenID(kv, t, "seperator_token_id", "[SEP]")
		setTokenID(kv, t, "padding_token_id", "[PAD]")
		setTokenID(kv, t, "unknown_token_id", "[UNK]")
	}

	return kv
}

// setTokenID fills in a token id by vocabulary lookup when the
// tokenizer configuration did not provide one.
func setTokenID(kv ggml.KV, t *Tokenizer, key, content string) {
	key = "tokenizer.ggml." + key
	if _, ok := kv[key]; ok {
		return
	}

	if id := slices.Index(t.Tokens, content); id >= 0 {
		kv[key] = uint32(id)
	}
}

func (m *clipModel) Tensors(ts []Tensor) []*ggml.Tensor {
	out := make([]*ggml.Tensor, 0, len(ts))

	var hasScale bool
	for _, t := range ts {
		if strings.HasSuffix(t.Name(), ".position_ids") {
			continue
		}

		if t.Name() == "logit_scale" {
			hasScale = true
		}

		// research checkpoints fuse the attention projections
		if strings.Contains(t.Name(), "attn.in_proj_") {
			for tt := range splitDim(t, 0,
				strings.NewReplacer("attn.in_proj_", "attn_q."),
				strings.NewReplacer("attn.in_proj_", "attn_k."),
				strings.NewReplacer("attn.in_proj_", "attn_v."),
			) {
				out = append(out, tt)
			}

			continue
		}

		shape := slices.Clone(t.Shape())
		switch t.Name() {
		case "v.proj", "t.proj":
			// research checkpoints store the projections input first
			if len(shape) == 2 && shape[0] != uint64(m.ProjectionDim) {
				t.SetRepacker(m.repack)
				shape[0], shape[1] = shape[1], shape[0]
			}
		}

		out = append(out, &ggml.Tensor{
			Name:     t.Name(),
			Kind:     t.Kind(),
			Shape:    shape,
			WriterTo: t,
		})
	}

	// some checkpoints keep the temperature in the config only
	if !hasScale {
		var b bytes.Buffer
		binary.Write(&b, binary.LittleEndian, cmp.Or(m.LogitScaleInit, float32(math.Log(1/0.07))))
		out = append(out, &ggml.Tensor{
			Name:     "logit_scale",
			Kind:     tensorKindF32,
			Shape:    []uint64{1},
			WriterTo: &b,
		})
	}

	return out
}

func (m *clipModel) repack(_ string, data []float32, shape []uint64) ([]float32, error) {
	dims := make([]int, len(shape))
	for i := range shape {
		dims[i] = int(shape[i])
	}

	n := tensor.New(tensor.WithShape(dims...), tensor.WithBacking(data))
	if err := n.T(1, 0); err != nil {
		return nil, err
	}

	if err := n.Transpose(); err != nil {
		return nil, err
	}

	if err := n.Reshape(n.Shape().TotalSize()); err != nil {
		return nil, err
	}

	return native.VectorF32(n)
}

func (m *clipModel) Replacements() []string {
	r := []string{
		"vision_model.embeddings.patch_embedding", "v.patch_embd",
		"vision_model.embeddings.class_embedding", "v.class_embd",
		"vision_model.embeddings.position_embedding", "v.position_embd",
		"vision_model.pre_layrnorm", "v.pre_ln",
		"vision_model.pre_layernorm", "v.pre_ln",
		"vision_model.post_layernorm", "v.post_ln",
		"vision_model.encoder.layers", "v.blk",
		"visual_projection.weight", "v.proj",

		// research checkpoints use the module names of the towers
		"visual.conv1", "v.patch_embd",
		"visual.class_embedding", "v.class_embd",
		"visual.positional_embedding", "v.position_embd.weight",
		"visual.ln_pre", "v.pre_ln",
		"visual.ln_post", "v.post_ln",
		"visual.transformer.resblocks", "v.blk",
		"visual.proj", "v.proj",

		"self_attn.q_proj", "attn_q",
		"self_attn.k_proj", "attn_k",
		"self_attn.v_proj", "attn_v",
		"self_attn.out_proj", "attn_output",
		"attn.out_proj", "attn_output",
		"layer_norm1", "attn_norm",
		"layer_norm2", "ffn_norm",
		"ln_1", "attn_norm",
		"ln_2", "ffn_norm",
		"mlp.fc1", "ffn_up",
		"mlp.fc2", "ffn_down",
		"mlp.c_fc", "ffn_up",
		"mlp.c_proj", "ffn_down",
	}

	switch m.backbone() {
	case backboneCausal:
		r = append(r,
			"text_model.embeddings.token_embedding", "t.token_embd",
			"text_model.embeddings.position_embedding", "t.position_embd",
			"text_model.final_layer_norm", "t.output_norm",
			"text_model.encoder.layers", "t.blk",
			"text_projection.weight", "t.proj",

			"token_embedding.weight", "t.token_embd.weight",
			"positional_embedding", "t.position_embd.weight",
			"ln_final", "t.output_norm",
			"transformer.resblocks", "t.blk",
			"text_projection", "t.proj",
		)
	case backboneBert:
		r = append(r,
			"text_model.embeddings.word_embeddings", "bert.token_embd",
			"text_model.embeddings.token_type_embeddings", "bert.type_embd",
			"text_model.embeddings.position_embeddings", "bert.position_embd",
			"text_model.embeddings.LayerNorm", "bert.token_embd_norm",
			"text_model.encoder.layer", "bert.blk",
			"text_model.pooler.dense", "bert.pooler",
			"text_projection.weight", "t.proj",
			"text_projection", "t.proj",

			"attention.self.query", "attn_q",
			"attention.self.key", "attn_k",
			"attention.self.value", "attn_v",
			"attention.output.dense", "attn_output",
			"attention.output.LayerNorm", "attn_output_norm",
			"intermediate.dense", "ffn_up",
			"output.dense", "ffn_down",
			"output.LayerNorm", "layer_output_norm",
		)
	}

	return r
}
