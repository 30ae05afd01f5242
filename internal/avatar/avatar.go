package avatar

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strings"
)

// Generator renders an initial profile image for a new signup.
type Generator interface {
	Generate(firstName, lastName string) ([]byte, error)
}

// Uploader stores a rendered image and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, img []byte) (string, error)
}

const tileSize = 200

// InitialsGenerator renders a placeholder avatar: a solid tile whose
// color is derived from the user's initials.
type InitialsGenerator struct{}

func (InitialsGenerator) Generate(firstName, lastName string) ([]byte, error) {
	initials := initialsOf(firstName, lastName)
	sum := sha256.Sum256([]byte(initials))
	fill := color.RGBA{R: sum[0], G: sum[1], B: sum[2], A: 255}

	img := image.NewRGBA(image.Rect(0, 0, tileSize, tileSize))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: fill}, image.Point{}, draw.Src)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode avatar: %w", err)
	}
	return buf.Bytes(), nil
}

func initialsOf(firstName, lastName string) string {
	var b strings.Builder
	for _, name := range []string{firstName, lastName} {
		trimmed := strings.TrimSpace(name)
		if trimmed != "" {
			b.WriteString(strings.ToUpper(trimmed[:1]))
		}
	}
	if b.Len() == 0 {
		return "?"
	}
	return b.String()
}

// StaticUploader derives a stable URL from the image content. It stands
// in for a CDN-backed uploader in deployments without one.
type StaticUploader struct {
	BaseURL string
}

func (u StaticUploader) Upload(ctx context.Context, img []byte) (string, error) {
	sum := sha256.Sum256(img)
	return fmt.Sprintf("%s/avatars/%x.png", strings.TrimRight(u.BaseURL, "/"), sum[:8]), nil
}
