// Package compose renders station telemetry onto a background photo.
package compose

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp"

	"github.com/example/weather-imagegen/api-go/internal/model"
)

const (
	Width    = 1024
	Height   = 768
	FontSize = 48
)

// Line origins are the top-left corner of each text line.
var lineOrigins = [3]image.Point{{40, 40}, {40, 110}, {40, 180}}

// FormatTemperature renders a Celsius value with one decimal, halves rounded
// away from zero.
func FormatTemperature(celsius float64) string {
	return fmt.Sprintf("%.1f °C", math.Round(celsius*10)/10)
}

// Composer is safe for concurrent use; each Compose call creates its own face.
type Composer struct {
	font *opentype.Font
}

func New() (*Composer, error) {
	f, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("parse bundled font: %w", err)
	}
	return &Composer{font: f}, nil
}

// Compose stretches background to Width x Height, writes the three lines in
// white and returns the PNG encoding. Undecodable input is model.ErrDecode.
func (c *Composer) Compose(background []byte, line1, line2, line3 string) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(background))
	if err != nil {
		return nil, fmt.Errorf("%w: background: %v", model.ErrDecode, err)
	}

	dst := image.NewRGBA(image.Rect(0, 0, Width, Height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	face, err := opentype.NewFace(c.font, &opentype.FaceOptions{
		Size:    FontSize,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("font face: %w", err)
	}
	defer face.Close()

	d := &font.Drawer{Dst: dst, Src: image.NewUniform(color.White), Face: face}
	ascent := face.Metrics().Ascent
	for i, text := range [3]string{line1, line2, line3} {
		o := lineOrigins[i]
		d.Dot = fixed.Point26_6{X: fixed.I(o.X), Y: fixed.I(o.Y) + ascent}
		d.DrawString(text)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
