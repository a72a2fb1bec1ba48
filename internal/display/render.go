package display

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	colorGreen  = color.RGBA{0, 255, 0, 255}
	colorYellow = color.RGBA{255, 255, 0, 255}
	colorWhite  = color.RGBA{255, 255, 255, 255}
	colorBlack  = color.RGBA{0, 0, 0, 255}
)

const (
	borderInset = 10
	borderWidth = 4
)

// Renderer draws winner and placeholder views. Scale resizes the output.
type Renderer struct {
	scale float64
	face  font.Face
}

// NewRenderer creates a renderer; scale <= 0 means 1.
func NewRenderer(scale float64) *Renderer {
	if scale <= 0 {
		scale = 1
	}
	return &Renderer{scale: scale, face: basicfont.Face7x13}
}

// Winner annotates the winning camera's frame.
func (r *Renderer) Winner(frame []byte, name string, camera int, distance float64) (*image.RGBA, error) {
	src, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	b := src.Bounds()
	img := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(img, img.Bounds(), src, b.Min, draw.Src)

	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	drawBorder(img, image.Rect(borderInset, borderInset, w-borderInset, h-borderInset), borderWidth, colorGreen)
	r.text(img, 30, 40, fmt.Sprintf("WINNER: CAMERA %d", camera), colorYellow, 2)
	r.text(img, 30, 90, "TARGET: "+name, colorGreen, 3)
	r.text(img, 30, 130, fmt.Sprintf("Dist: %.4f", distance), colorWhite, 2)
	return r.scaled(img), nil
}

// Placeholder is the black "searching" surface, sized like the reference frame.
func (r *Renderer) Placeholder(size image.Point, name string) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	draw.Draw(img, img.Bounds(), image.NewUniform(colorBlack), image.Point{}, draw.Src)
	r.text(img, 50, size.Y/2, fmt.Sprintf("Searching: %s...", name), colorWhite, 2)
	return r.scaled(img)
}

// FrameSize reads a JPEG's dimensions without decoding the pixels.
func FrameSize(frame []byte) (image.Point, error) {
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(frame))
	if err != nil {
		return image.Point{}, err
	}
	return image.Pt(cfg.Width, cfg.Height), nil
}

func (r *Renderer) scaled(img *image.RGBA) *image.RGBA {
	if r.scale == 1 {
		return img
	}
	b := img.Bounds()
	w := max(1, int(float64(b.Dx())*r.scale))
	h := max(1, int(float64(b.Dy())*r.scale))
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(out, out.Bounds(), img, b, draw.Src, nil)
	return out
}

// text draws s with its baseline at (x, y), magnified by an integer factor
// since the bitmap face has a single size.
func (r *Renderer) text(dst *image.RGBA, x, y int, s string, c color.Color, mag int) {
	metrics := r.face.Metrics()
	ascent := metrics.Ascent.Ceil()
	height := metrics.Height.Ceil()
	width := font.MeasureString(r.face, s).Ceil()
	if width == 0 {
		return
	}

	glyphs := image.NewRGBA(image.Rect(0, 0, width, height))
	d := font.Drawer{
		Dst:  glyphs,
		Src:  image.NewUniform(c),
		Face: r.face,
		Dot:  fixed.P(0, ascent),
	}
	d.DrawString(s)

	top := y - ascent*mag
	target := image.Rect(x, top, x+width*mag, top+height*mag)
	draw.NearestNeighbor.Scale(dst, target, glyphs, glyphs.Bounds(), draw.Over, nil)
}

func drawBorder(dst *image.RGBA, rect image.Rectangle, width int, c color.Color) {
	u := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Min.Y+width),
		image.Rect(rect.Min.X, rect.Max.Y-width, rect.Max.X, rect.Max.Y),
		image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+width, rect.Max.Y),
		image.Rect(rect.Max.X-width, rect.Min.Y, rect.Max.X, rect.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(dst.Bounds()), u, image.Point{}, draw.Src)
	}
}
