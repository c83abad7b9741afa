// Package watermark overlays a visible mark on previews shown before purchase.
package watermark

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"

	"github.com/MarkoPoloResearchLab/atelier/pkg/generation"
	"github.com/gabriel-vasile/mimetype"
)

const (
	defaultStripeWidth   = 24
	defaultStripeSpacing = 96
	defaultOpacity       = 96
)

var ErrUnsupportedImage = errors.New("unsupported image format")

// Option configures a Stamper.
type Option func(*Stamper)

// WithOpacity sets the alpha of the mark, 1..255.
func WithOpacity(opacity uint8) Option {
	return func(stamper *Stamper) {
		if opacity > 0 {
			stamper.opacity = opacity
		}
	}
}

// WithStripes sets the width of each diagonal stripe and the gap between them.
func WithStripes(width int, spacing int) Option {
	return func(stamper *Stamper) {
		if width > 0 && spacing > width {
			stamper.stripeWidth = width
			stamper.stripeSpacing = spacing
		}
	}
}

// Stamper draws diagonal translucent stripes across the image and re-encodes it
// as PNG.
type Stamper struct {
	stripeWidth   int
	stripeSpacing int
	opacity       uint8
}

func NewStamper(options ...Option) *Stamper {
	stamper := &Stamper{stripeWidth: defaultStripeWidth, stripeSpacing: defaultStripeSpacing, opacity: defaultOpacity}
	for _, option := range options {
		if option != nil {
			option(stamper)
		}
	}
	return stamper
}

// Watermark implements generation.Watermarker.
func (stamper *Stamper) Watermark(ctx context.Context, source generation.Image) (generation.Image, error) {
	if err := ctx.Err(); err != nil {
		return generation.Image{}, err
	}
	decoded, err := decode(source.Data)
	if err != nil {
		return generation.Image{}, err
	}
	bounds := decoded.Bounds()
	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, decoded, bounds.Min, draw.Src)

	mark := image.NewUniform(color.NRGBA{R: 255, G: 255, B: 255, A: stamper.opacity})
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if (x+y)%stamper.stripeSpacing >= stamper.stripeWidth {
				continue
			}
			draw.Draw(canvas, image.Rect(x, y, x+1, y+1), mark, image.Point{}, draw.Over)
		}
	}

	var buffer bytes.Buffer
	if err := png.Encode(&buffer, canvas); err != nil {
		return generation.Image{}, fmt.Errorf("encode preview: %w", err)
	}
	return generation.Image{Data: buffer.Bytes(), ContentType: "image/png"}, nil
}

func decode(data []byte) (image.Image, error) {
	detected := mimetype.Detect(data)
	var (
		decoded image.Image
		err     error
	)
	switch {
	case detected.Is("image/png"):
		decoded, err = png.Decode(bytes.NewReader(data))
	case detected.Is("image/jpeg"):
		decoded, err = jpeg.Decode(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedImage, detected.String())
	}
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return decoded, nil
}
