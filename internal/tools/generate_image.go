package tools

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/providers"
)

// maxImageDimension caps generated image size; anything larger is
// downscaled before storage.
const maxImageDimension = 2048

// ImageGenerator produces an image from a prompt. *providers.OpenRouter
// implements it.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, model, prompt string) (*providers.GeneratedImage, error)
}

// ImageSink stores image bytes and returns a public URL. The artifact
// store implements it.
type ImageSink interface {
	SaveImage(data []byte, ext string) (string, error)
}

// GenerateImage renders a prompt with an image model and publishes the
// result through the artifact store. The chat reply carries the URL.
type GenerateImage struct {
	gen   ImageGenerator
	sink  ImageSink
	model string
}

var _ Tool = (*GenerateImage)(nil)

// NewGenerateImage builds the generate_image tool. Returns nil when the
// tool is disabled or a dependency is missing.
func NewGenerateImage(cfg config.ImageToolConfig, gen ImageGenerator, sink ImageSink) *GenerateImage {
	if !cfg.Enabled || gen == nil || sink == nil {
		return nil
	}
	return &GenerateImage{gen: gen, sink: sink, model: cfg.Model}
}

func (t *GenerateImage) Name() string { return "generate_image" }

func (t *GenerateImage) Description() string {
	return "Generate an image from a text description. Returns a URL to the stored image."
}

func (t *GenerateImage) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"prompt": map[string]any{
				"type":        "string",
				"description": "What the image should show.",
			},
		},
		"required": []string{"prompt"},
	}
}

func (t *GenerateImage) Execute(ctx context.Context, args map[string]any) (string, error) {
	prompt, _ := args["prompt"].(string)
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("prompt is required")
	}

	img, err := t.gen.GenerateImage(ctx, t.model, prompt)
	if err != nil {
		return "", fmt.Errorf("generate image: %w", err)
	}

	data, err := normalizeImage(img.Data)
	if err != nil {
		return "", fmt.Errorf("normalize image: %w", err)
	}

	url, err := t.sink.SaveImage(data, "png")
	if err != nil {
		return "", fmt.Errorf("store image: %w", err)
	}
	slog.Info("image generated", "model", t.model, "bytes", len(data), "url", url)

	if txt := strings.TrimSpace(img.Text); txt != "" {
		return fmt.Sprintf("Image stored at %s\n%s", url, txt), nil
	}
	return "Image stored at " + url, nil
}

// normalizeImage re-encodes model output as PNG and downscales anything
// above maxImageDimension on either axis, preserving aspect ratio.
func normalizeImage(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() > maxImageDimension || bounds.Dy() > maxImageDimension {
		img = imaging.Fit(img, maxImageDimension, maxImageDimension, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
