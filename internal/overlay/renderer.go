package overlay

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"sync"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dj-oyu/hardhat-overlay/overlay-client/pkg/types"
)

// ErrPreviewDecode is returned when a preview payload is not a decodable image.
var ErrPreviewDecode = errors.New("preview decode failed")

const (
	tagHeight  = 20
	tagPadding = 4
)

var (
	violationColor = color.NRGBA{R: 0xe5, G: 0x39, B: 0x35, A: 0xff}
	compliantColor = color.NRGBA{R: 0x43, G: 0xa0, B: 0x47, A: 0xff}
	tagTextColor   = color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	neutralColor   = color.NRGBA{R: 0x11, G: 0x11, B: 0x11, A: 0xff}
)

// RendererConfig controls the drawing surface.
type RendererConfig struct {
	MaxWidth          int // Previews wider/taller than this are fitted (0 = keep size)
	MaxHeight         int
	PlaceholderWidth  int
	PlaceholderHeight int
	LineWidth         int
}

// DefaultRendererConfig matches the preview pane of the desktop viewer.
func DefaultRendererConfig() RendererConfig {
	return RendererConfig{
		PlaceholderWidth:  640,
		PlaceholderHeight: 360,
		LineWidth:         2,
	}
}

// Rendering is one painted overlay.
type Rendering struct {
	Image    *image.NRGBA
	Degraded bool // drawn over a retained image or the placeholder
}

type retainedImage struct {
	img   *image.NRGBA
	scale float64 // surface pixels per source pixel
}

// Renderer paints preview images and classified boxes.
type Renderer struct {
	mu       sync.Mutex
	cfg      RendererConfig
	face     font.Face
	retained *retainedImage
}

// NewRenderer creates a renderer.
func NewRenderer(cfg RendererConfig) *Renderer {
	def := DefaultRendererConfig()
	if cfg.PlaceholderWidth <= 0 || cfg.PlaceholderHeight <= 0 {
		cfg.PlaceholderWidth = def.PlaceholderWidth
		cfg.PlaceholderHeight = def.PlaceholderHeight
	}
	if cfg.LineWidth <= 0 {
		cfg.LineWidth = def.LineWidth
	}
	return &Renderer{
		cfg:  cfg,
		face: basicfont.Face7x13,
	}
}

// Reset forgets the retained preview so the next session starts blank.
func (r *Renderer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retained = nil
}

// Render draws the preview (or the retained image, or a placeholder) and then
// every box in order. The returned Rendering is always usable; a non-nil
// error only reports that the supplied preview could not be decoded.
func (r *Renderer) Render(preview []byte, boxes []types.Box) (Rendering, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var decodeErr error
	degraded := true
	if len(preview) > 0 {
		ret, err := r.decode(preview)
		if err != nil {
			decodeErr = err
		} else {
			r.retained = ret
			degraded = false
		}
	}

	var canvas *image.NRGBA
	scale := 1.0
	if r.retained != nil {
		canvas = imaging.Clone(r.retained.img)
		scale = r.retained.scale
	} else {
		canvas = imaging.New(r.cfg.PlaceholderWidth, r.cfg.PlaceholderHeight, neutralColor)
	}

	for _, b := range boxes {
		r.drawBox(canvas, b, scale)
	}

	return Rendering{Image: canvas, Degraded: degraded}, decodeErr
}

func (r *Renderer) decode(preview []byte) (*retainedImage, error) {
	src, err := imaging.Decode(bytes.NewReader(preview))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPreviewDecode, err)
	}

	ret := &retainedImage{scale: 1}
	bounds := src.Bounds()
	if r.cfg.MaxWidth > 0 && r.cfg.MaxHeight > 0 &&
		(bounds.Dx() > r.cfg.MaxWidth || bounds.Dy() > r.cfg.MaxHeight) {
		ret.img = imaging.Fit(src, r.cfg.MaxWidth, r.cfg.MaxHeight, imaging.Lanczos)
		ret.scale = float64(ret.img.Bounds().Dx()) / float64(bounds.Dx())
	} else {
		ret.img = imaging.Clone(src)
	}
	return ret, nil
}

func (r *Renderer) drawBox(dst *image.NRGBA, b types.Box, scale float64) {
	c := compliantColor
	if b.Category == types.CategoryViolation {
		c = violationColor
	}

	x := int(math.Round(b.X * scale))
	y := int(math.Round(b.Y * scale))
	w := int(math.Round(b.Width * scale))
	h := int(math.Round(b.Height * scale))

	strokeRect(dst, image.Rect(x, y, x+w, y+h), c, r.cfg.LineWidth)

	text := TagText(b)
	tw := font.MeasureString(r.face, text).Ceil() + 2*tagPadding
	ty := y + tagHeight
	if y > tagHeight {
		ty = y - tagHeight
	}

	bg := image.Rect(x, ty-tagHeight+tagPadding, x+tw, ty+tagPadding)
	draw.Draw(dst, bg, image.NewUniform(c), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(tagTextColor),
		Face: r.face,
		Dot:  fixed.P(x+tagPadding, ty),
	}
	d.DrawString(text)
}

// TagText is the label drawn above a box: the label and its confidence as a
// percentage with one decimal.
func TagText(b types.Box) string {
	return fmt.Sprintf("%s %.1f%%", b.Label, b.Confidence*100)
}

// ColorFor returns the stroke color used for a category.
func ColorFor(c types.Category) color.NRGBA {
	if c == types.CategoryViolation {
		return violationColor
	}
	return compliantColor
}

func strokeRect(dst draw.Image, r image.Rectangle, c color.Color, width int) {
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+width),
		image.Rect(r.Min.X, r.Max.Y-width, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+width, r.Max.Y),
		image.Rect(r.Max.X-width, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e, src, image.Point{}, draw.Src)
	}
}
