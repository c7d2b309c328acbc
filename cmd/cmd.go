package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/clipgo/clipgo/convert"
	"github.com/clipgo/clipgo/logutil"
	"github.com/clipgo/clipgo/ml"
	"github.com/clipgo/clipgo/model"
	"github.com/clipgo/clipgo/model/models/clip"

	_ "github.com/clipgo/clipgo/model/models"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "clipgo",
		Short:        "Image and text embeddings with a contrastive dual encoder",
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				level = logutil.LevelTrace
			}

			slog.SetDefault(logutil.NewLogger(os.Stderr, level))
		},
	}

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose logging")

	embedImageCmd := &cobra.Command{
		Use:   "embed-image MODEL IMAGE...",
		Short: "Embed images into the shared space",
		Args:  cobra.MinimumNArgs(2),
		RunE:  embedImageHandler,
	}
	embedImageCmd.Flags().Bool("normalize", false, "scale embeddings to unit length")

	embedTextCmd := &cobra.Command{
		Use:   "embed-text MODEL TEXT...",
		Short: "Embed texts into the shared space",
		Args:  cobra.MinimumNArgs(2),
		RunE:  embedTextHandler,
	}
	embedTextCmd.Flags().Bool("normalize", false, "scale embeddings to unit length")

	similarityCmd := &cobra.Command{
		Use:   "similarity MODEL --image IMAGE --text TEXT",
		Short: "Score images against candidate texts",
		Args:  cobra.ExactArgs(1),
		RunE:  similarityHandler,
	}
	similarityCmd.Flags().StringArray("image", nil, "image file, repeatable")
	similarityCmd.Flags().StringArray("text", nil, "candidate text, repeatable")

	convertCmd := &cobra.Command{
		Use:   "convert DIR",
		Short: "Convert a checkpoint directory to a gguf file",
		Args:  cobra.ExactArgs(1),
		RunE:  convertHandler,
	}
	convertCmd.Flags().StringP("output", "o", "model.gguf", "output file")

	rootCmd.AddCommand(
		embedImageCmd,
		embedTextCmd,
		similarityCmd,
		convertCmd,
	)

	return rootCmd
}

func loadModel(path string) (*clip.Model, error) {
	m, err := model.New(path)
	if err != nil {
		return nil, err
	}

	c, ok := m.(*clip.Model)
	if !ok {
		return nil, fmt.Errorf("%s is not a dual encoder model", path)
	}

	return c, nil
}

func loadImages(paths []string) ([]image.Image, error) {
	imgs := make([]image.Image, len(paths))
	for i, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, err
		}

		img, _, err := image.Decode(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}

		imgs[i] = img
	}

	return imgs, nil
}

// printEmbeddings writes one JSON array per embedding column.
func printEmbeddings(w io.Writer, t ml.Tensor) error {
	f32s := t.Floats()
	dim := t.Dim(0)

	enc := json.NewEncoder(w)
	for offset := 0; offset < len(f32s); offset += dim {
		if err := enc.Encode(f32s[offset : offset+dim]); err != nil {
			return err
		}
	}

	return nil
}

func embedImageHandler(cmd *cobra.Command, args []string) error {
	m, err := loadModel(args[0])
	if err != nil {
		return err
	}

	imgs, err := loadImages(args[1:])
	if err != nil {
		return err
	}

	ctx := m.Backend().NewContext()
	defer ctx.Close()

	t, err := m.EncodeImage(ctx, imgs)
	if err != nil {
		return err
	}

	if normalize, _ := cmd.Flags().GetBool("normalize"); normalize {
		t = t.L2Norm(ctx, 1e-12)
	}

	ctx.Forward(t).Compute(t)
	return printEmbeddings(cmd.OutOrStdout(), t)
}

func embedTextHandler(cmd *cobra.Command, args []string) error {
	m, err := loadModel(args[0])
	if err != nil {
		return err
	}

	ctx := m.Backend().NewContext()
	defer ctx.Close()

	t, err := m.EncodeText(ctx, args[1:])
	if err != nil {
		return err
	}

	if normalize, _ := cmd.Flags().GetBool("normalize"); normalize {
		t = t.L2Norm(ctx, 1e-12)
	}

	ctx.Forward(t).Compute(t)
	return printEmbeddings(cmd.OutOrStdout(), t)
}

func similarityHandler(cmd *cobra.Command, args []string) error {
	imagePaths, _ := cmd.Flags().GetStringArray("image")
	texts, _ := cmd.Flags().GetStringArray("text")
	if len(imagePaths) == 0 || len(texts) == 0 {
		return errors.New("at least one --image and one --text are required")
	}

	m, err := loadModel(args[0])
	if err != nil {
		return err
	}

	imgs, err := loadImages(imagePaths)
	if err != nil {
		return err
	}

	ctx := m.Backend().NewContext()
	defer ctx.Close()

	logitsPerImage, _, err := m.Forward(ctx, imgs, texts)
	if err != nil {
		return err
	}

	probs := logitsPerImage.Softmax(ctx)
	ctx.Forward(logitsPerImage, probs).Compute(logitsPerImage, probs)

	logits := logitsPerImage.Floats()
	p := probs.Floats()

	w := cmd.OutOrStdout()
	for i, path := range imagePaths {
		fmt.Fprintln(w, path)
		for j, text := range texts {
			fmt.Fprintf(w, "  %-40q logit=%8.4f p=%.4f\n", text, logits[i*len(texts)+j], p[i*len(texts)+j])
		}
	}

	return nil
}

func convertHandler(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")

	f, err := os.Create(output)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := convert.ConvertModel(os.DirFS(args[0]), f); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "wrote", output)
	return nil
}
