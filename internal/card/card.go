// Package card renders the result image sent next to the written
// explanation of a screening result.
package card

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"strings"
	"sync"

	"github.com/bellujrb/hackathon-onco/internal/models"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goitalic"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// Caption accompanies the card in chat.
const Caption = "*Seu Resultado da Análise de Voz*"

// Card geometry in pixels.
const (
	Width  = 800
	Height = 600

	margin       = 40
	cornerRadius = 20
	shadowOffset = 10
	dotRadius    = 40
	dotCenterY   = 205
)

const (
	title      = "Resultado da Análise"
	subtitle   = "Análise de Voz para Detecção de Câncer de Laringe"
	disclaimer = "Este é um rastreamento inicial. Consulte um especialista."
)

var (
	textGray  = color.RGBA{0x66, 0x66, 0x66, 0xff}
	mutedGray = color.RGBA{0x99, 0x99, 0x99, 0xff}
	shadow    = color.RGBA{0, 0, 0, 0x20}
)

// Palette is the color scheme for one risk tier.
type Palette struct {
	Primary color.RGBA
	BgStart color.RGBA
	BgEnd   color.RGBA
}

// PaletteFor returns the colors used for tier.
func PaletteFor(tier models.RiskTier) Palette {
	switch tier {
	case models.TierHigh:
		return Palette{
			Primary: color.RGBA{0xdc, 0x26, 0x26, 0xff},
			BgStart: color.RGBA{0xfe, 0xe2, 0xe2, 0xff},
			BgEnd:   color.RGBA{0xfe, 0xca, 0xca, 0xff},
		}
	case models.TierModerate:
		return Palette{
			Primary: color.RGBA{0xf5, 0x9e, 0x0b, 0xff},
			BgStart: color.RGBA{0xfe, 0xf3, 0xc7, 0xff},
			BgEnd:   color.RGBA{0xfd, 0xe6, 0x8a, 0xff},
		}
	default:
		return Palette{
			Primary: color.RGBA{0x10, 0xb9, 0x81, 0xff},
			BgStart: color.RGBA{0xd1, 0xfa, 0xe5, 0xff},
			BgEnd:   color.RGBA{0xa7, 0xf3, 0xd0, 0xff},
		}
	}
}

type fonts struct {
	regular, bold, italic *opentype.Font
}

var (
	fontsOnce sync.Once
	loaded    fonts
	fontsErr  error
)

// loadFonts parses the bundled Go fonts once. Parsed fonts are safe for
// concurrent use; faces are not, so each Render builds its own.
func loadFonts() (fonts, error) {
	fontsOnce.Do(func() {
		var f fonts
		if f.regular, fontsErr = opentype.Parse(goregular.TTF); fontsErr != nil {
			return
		}
		if f.bold, fontsErr = opentype.Parse(gobold.TTF); fontsErr != nil {
			return
		}
		if f.italic, fontsErr = opentype.Parse(goitalic.TTF); fontsErr != nil {
			return
		}
		loaded = f
	})
	if fontsErr != nil {
		return fonts{}, fmt.Errorf("card: parse fonts: %w", fontsErr)
	}
	return loaded, nil
}

// Render draws the result card for risk and encodes it as PNG.
func Render(risk models.RiskAssessment) ([]byte, error) {
	fs, err := loadFonts()
	if err != nil {
		return nil, err
	}
	tier := risk.Tier()
	pal := PaletteFor(tier)

	img := image.NewRGBA(image.Rect(0, 0, Width, Height))
	fillGradient(img, pal.BgStart, pal.BgEnd)

	cardRect := image.Rect(margin, margin, Width-margin, Height-margin)
	fillRounded(img, cardRect.Add(image.Pt(0, shadowOffset)), cornerRadius, shadow)
	fillRounded(img, cardRect, cornerRadius, color.RGBA{0xff, 0xff, 0xff, 0xff})
	fillCircle(img, image.Pt(Width/2, dotCenterY), dotRadius, pal.Primary)

	lines := []struct {
		font *opentype.Font
		size float64
		y    int
		c    color.Color
		text string
	}{
		{fs.bold, 42, 120, pal.Primary, title},
		{fs.bold, 56, 320, pal.Primary, levelLabel(risk.RiskLevel, tier)},
		{fs.regular, 28, 380, textGray, fmt.Sprintf("Score: %d/100", ScorePercent(risk.RiskScore))},
		{fs.regular, 18, 470, mutedGray, subtitle},
		{fs.italic, 16, 510, mutedGray, disclaimer},
	}
	for _, l := range lines {
		if err := drawCentered(img, l.font, l.size, l.y, l.c, l.text); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("card: encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// ScorePercent maps a risk score onto 0..100. Scores up to 1 are read as
// fractions.
func ScorePercent(score float64) int {
	if math.IsNaN(score) || score <= 0 {
		return 0
	}
	if score <= 1 {
		score *= 100
	}
	return int(math.Min(math.Round(score), 100))
}

func levelLabel(level string, tier models.RiskTier) string {
	if l := strings.TrimSpace(level); l != "" {
		return strings.ToUpper(l)
	}
	switch tier {
	case models.TierHigh:
		return "ALTO"
	case models.TierModerate:
		return "MODERADO"
	default:
		return "BAIXO"
	}
}

func drawCentered(dst draw.Image, f *opentype.Font, size float64, baseline int, c color.Color, text string) error {
	face, err := opentype.NewFace(f, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return fmt.Errorf("card: font face: %w", err)
	}
	defer face.Close()

	d := &font.Drawer{Dst: dst, Src: image.NewUniform(c), Face: face}
	width := d.MeasureString(text)
	d.Dot = fixed.Point26_6{X: fixed.I(Width/2) - width/2, Y: fixed.I(baseline)}
	d.DrawString(text)
	return nil
}

func fillGradient(img *image.RGBA, from, to color.RGBA) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		t := float64(y-b.Min.Y) / float64(b.Dy()-1)
		row := image.Rect(b.Min.X, y, b.Max.X, y+1)
		draw.Draw(img, row, image.NewUniform(lerp(from, to, t)), image.Point{}, draw.Src)
	}
}

func lerp(a, b color.RGBA, t float64) color.RGBA {
	mix := func(x, y uint8) uint8 { return uint8(math.Round(float64(x) + (float64(y)-float64(x))*t)) }
	return color.RGBA{mix(a.R, b.R), mix(a.G, b.G), mix(a.B, b.B), mix(a.A, b.A)}
}

func fillRounded(dst draw.Image, r image.Rectangle, radius int, c color.Color) {
	draw.DrawMask(dst, r, image.NewUniform(c), image.Point{}, roundedMask{r, radius}, r.Min, draw.Over)
}

func fillCircle(dst draw.Image, center image.Point, radius int, c color.Color) {
	r := image.Rect(center.X-radius, center.Y-radius, center.X+radius, center.Y+radius)
	fillRounded(dst, r, radius, c)
}

// roundedMask is an alpha mask that is opaque inside a rectangle with
// rounded corners.
type roundedMask struct {
	r      image.Rectangle
	radius int
}

func (m roundedMask) ColorModel() color.Model { return color.AlphaModel }
func (m roundedMask) Bounds() image.Rectangle { return m.r }

func (m roundedMask) At(x, y int) color.Color {
	if !image.Pt(x, y).In(m.r) {
		return color.Alpha{}
	}
	// Distance from the nearest corner center, measured at the pixel center.
	cx := clamp(float64(x)+0.5, float64(m.r.Min.X+m.radius), float64(m.r.Max.X-m.radius))
	cy := clamp(float64(y)+0.5, float64(m.r.Min.Y+m.radius), float64(m.r.Max.Y-m.radius))
	dx, dy := float64(x)+0.5-cx, float64(y)+0.5-cy
	if dx*dx+dy*dy > float64(m.radius*m.radius) {
		return color.Alpha{}
	}
	return color.Alpha{A: 0xff}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}
