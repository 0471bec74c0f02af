// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package viewimages renders generated images and cross-attention maps: grids, captions, centroid markers and
// per-token heatmaps. Images can be saved as PNG or displayed inline in a GoNB notebook.
package viewimages

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/janpfeifer/gonb/gonbui"
	"github.com/pkg/errors"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// DefaultOffsetRatio is the gap between grid cells, as a fraction of the cell height.
const DefaultOffsetRatio = 0.02

// CaptionRatio is the height of the caption band, as a fraction of the image height.
const CaptionRatio = 0.2

// FromTensor converts uint8 images shaped [batch, height, width, 3] to images.
func FromTensor(images *tensors.Tensor) (result []image.Image, err error) {
	err = exceptions.TryCatch[error](func() {
		result = timage.ToImage().MaxValue(255).Batch(images)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "converting tensor %s to images", images.Shape())
	}
	return result, nil
}

// Grid tiles images in numRows rows, separated by white gaps of offsetRatio times the image height.
// All images are resized to the size of the first one. Missing cells of the last row are left white.
func Grid(images []image.Image, numRows int, offsetRatio float64) (*image.NRGBA, error) {
	if len(images) == 0 {
		return nil, errors.New("viewimages.Grid: no images")
	}
	if numRows <= 0 || numRows > len(images) {
		return nil, errors.Errorf("viewimages.Grid: invalid number of rows %d for %d images", numRows, len(images))
	}
	bounds := images[0].Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	numCols := (len(images) + numRows - 1) / numRows
	offset := int(float64(height) * offsetRatio)
	grid := imaging.New(width*numCols+offset*(numCols-1), height*numRows+offset*(numRows-1), color.White)
	for ii, img := range images {
		if b := img.Bounds(); b.Dx() != width || b.Dy() != height {
			img = imaging.Resize(img, width, height, imaging.Lanczos)
		}
		row, col := ii/numCols, ii%numCols
		grid = imaging.Paste(grid, img, image.Pt(col*(width+offset), row*(height+offset)))
	}
	return grid, nil
}

// Caption returns img with a white band below it where text is written, centered, in black.
func Caption(img image.Image, text string) *image.NRGBA {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	face := basicfont.Face7x13
	bandHeight := max(int(float64(height)*CaptionRatio), face.Metrics().Height.Ceil()+4)
	captioned := imaging.New(width, height+bandHeight, color.White)
	captioned = imaging.Paste(captioned, img, image.Pt(0, 0))

	drawer := &font.Drawer{Dst: captioned, Src: image.NewUniform(color.Black), Face: face}
	textWidth := drawer.MeasureString(text).Ceil()
	x := max((width-textWidth)/2, 0)
	ascent := face.Metrics().Ascent.Ceil()
	y := height + (bandHeight+ascent)/2
	drawer.Dot = fixed.P(x, y)
	drawer.DrawString(text)
	return captioned
}

// CentroidColor of the markers drawn by MarkCentroid.
var CentroidColor = color.NRGBA{R: 255, A: 255}

// MarkCentroid draws a marker at the centroid (x, y), given in the coordinates of an attention map of
// resolution x resolution, scaled to the image size.
func MarkCentroid(img image.Image, x, y float64, resolution int) *image.NRGBA {
	marked := imaging.Clone(img)
	bounds := marked.Bounds()
	px := int(math.Round((x + 0.5) * float64(bounds.Dx()) / float64(resolution)))
	py := int(math.Round((y + 0.5) * float64(bounds.Dy()) / float64(resolution)))
	radius := max(bounds.Dx()/64, 2)
	marker := image.Rect(px-radius, py-radius, px+radius+1, py+radius+1).Intersect(bounds)
	draw.Draw(marked, marker, image.NewUniform(CentroidColor), image.Point{}, draw.Src)
	return marked
}

// Heatmap converts a map shaped [height][width] to a grey image of size x size pixels, with values scaled so
// the maximum is white.
func Heatmap(values [][]float32, size int) image.Image {
	height := len(values)
	if height == 0 {
		return imaging.New(size, size, color.Black)
	}
	width := len(values[0])
	maxValue := float32(0)
	for _, row := range values {
		for _, v := range row {
			maxValue = max(maxValue, v)
		}
	}
	gray := image.NewGray(image.Rect(0, 0, width, height))
	for r, row := range values {
		for c, v := range row {
			var level uint8
			if maxValue > 0 {
				level = uint8(math.Round(float64(255 * max(v, 0) / maxValue)))
			}
			gray.SetGray(c, r, color.Gray{Y: level})
		}
	}
	if size == width && size == height {
		return gray
	}
	return imaging.Resize(gray, size, size, imaging.NearestNeighbor)
}

// SavePNG saves the image to path, creating or overwriting it. The format is taken from the extension.
func SavePNG(img image.Image, path string) error {
	if err := imaging.Save(img, path); err != nil {
		return errors.Wrapf(err, "saving image to %q", path)
	}
	return nil
}

// Display images in one row, if running in a GoNB notebook. It returns false otherwise.
func Display(images ...image.Image) (bool, error) {
	if !gonbui.IsNotebook {
		return false, nil
	}
	html, err := ToHTML(images)
	if err != nil {
		return true, err
	}
	gonbui.DisplayHTML(html)
	return true, nil
}

// ToHTML returns an HTML block with the images embedded as PNG, in one scrollable row.
func ToHTML(images []image.Image) (string, error) {
	parts := make([]string, 0, len(images))
	for _, img := range images {
		src, err := gonbui.EmbedImageAsPNGSrc(img)
		if err != nil {
			return "", errors.Wrap(err, "embedding image as PNG")
		}
		parts = append(parts, fmt.Sprintf(`<img src="%s">`, src))
	}
	return fmt.Sprintf("<div style=\"overflow-x: auto\">\n\t%s</div>\n", strings.Join(parts, "\n\t")), nil
}
