// Package annotate draws diagnostic overlays (tag outlines, projected axes,
// calibration footprints and status text) onto copies of camera frames.
package annotate

import (
	"image"
	"image/color"
	"image/draw"

	"git.sr.ht/~sbinet/gg"
	"golang.org/x/image/font/basicfont"

	"github.com/banshee-data/walleye/internal/geom"
)

// Colors used across overlays.
var (
	Red    = color.RGBA{R: 255, A: 255}
	Green  = color.RGBA{G: 255, A: 255}
	Blue   = color.RGBA{B: 255, A: 255}
	Yellow = color.RGBA{R: 255, G: 255, A: 255}
	White  = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// Canvas draws onto an RGBA image.
type Canvas struct {
	img *image.RGBA
	dc  *gg.Context
}

// NewCanvas copies src into a fresh RGBA image and returns a canvas on it.
// The source frame is never modified.
func NewCanvas(src image.Image) *Canvas {
	b := src.Bounds()
	img := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(img, img.Bounds(), src, b.Min, draw.Src)
	return Wrap(img)
}

// Wrap draws directly into img.
func Wrap(img *image.RGBA) *Canvas {
	dc := gg.NewContextForRGBA(img)
	dc.SetFontFace(basicfont.Face7x13)
	return &Canvas{img: img, dc: dc}
}

// Image returns the underlying image.
func (c *Canvas) Image() *image.RGBA { return c.img }

// Line strokes a segment.
func (c *Canvas) Line(a, b geom.Point2, col color.Color, width float64) {
	c.dc.SetColor(col)
	c.dc.SetLineWidth(width)
	c.dc.DrawLine(a.X, a.Y, b.X, b.Y)
	c.dc.Stroke()
}

// Polygon strokes a closed outline.
func (c *Canvas) Polygon(pts []geom.Point2, col color.Color, width float64) {
	if len(pts) < 2 {
		return
	}
	c.path(pts)
	c.dc.SetColor(col)
	c.dc.SetLineWidth(width)
	c.dc.Stroke()
}

// FillPolygon fills a closed polygon.
func (c *Canvas) FillPolygon(pts []geom.Point2, col color.Color) {
	if len(pts) < 3 {
		return
	}
	c.path(pts)
	c.dc.SetColor(col)
	c.dc.Fill()
}

func (c *Canvas) path(pts []geom.Point2) {
	c.dc.MoveTo(pts[0].X, pts[0].Y)
	for _, p := range pts[1:] {
		c.dc.LineTo(p.X, p.Y)
	}
	c.dc.ClosePath()
}

// Dot fills a circle of radius r.
func (c *Canvas) Dot(p geom.Point2, r float64, col color.Color) {
	c.dc.SetColor(col)
	c.dc.DrawCircle(p.X, p.Y, r)
	c.dc.Fill()
}

// Text writes s with its baseline starting at (x, y).
func (c *Canvas) Text(s string, x, y float64, col color.Color) {
	c.dc.SetColor(col)
	c.dc.DrawString(s, x, y)
}

// Axes draws a projected coordinate frame: X red, Y green, Z blue.
func (c *Canvas) Axes(origin, x, y, z geom.Point2) {
	c.Line(origin, x, Red, 3)
	c.Line(origin, y, Green, 3)
	c.Line(origin, z, Blue, 3)
}

// Blend mixes overlay into dst wherever the overlay is non-black, weighting
// the frame by alpha and the overlay by 1-alpha. Pixels where the overlay is
// black are left untouched.
func Blend(dst, overlay *image.RGBA, alpha float64) {
	b := dst.Bounds().Intersect(overlay.Bounds())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			oi := overlay.PixOffset(x, y)
			or, og, ob := overlay.Pix[oi], overlay.Pix[oi+1], overlay.Pix[oi+2]
			if or == 0 && og == 0 && ob == 0 {
				continue
			}
			di := dst.PixOffset(x, y)
			dst.Pix[di] = mix(dst.Pix[di], or, alpha)
			dst.Pix[di+1] = mix(dst.Pix[di+1], og, alpha)
			dst.Pix[di+2] = mix(dst.Pix[di+2], ob, alpha)
		}
	}
}

func mix(a, b uint8, alpha float64) uint8 {
	v := alpha*float64(a) + (1-alpha)*float64(b)
	if v > 255 {
		v = 255
	}
	return uint8(v + 0.5)
}
