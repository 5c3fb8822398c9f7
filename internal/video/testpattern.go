// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: The okvmd Authors

package video

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"time"

	"github.com/okvmd/okvmd/internal/rfb"
)

// TestPattern is a synthetic JPEG frame source used when no capture
// hardware is attached. It renders a slowly shifting gradient so clients
// can verify the full framebuffer path end to end.
type TestPattern struct {
	width    uint16
	height   uint16
	quality  int
	interval time.Duration
	phase    uint8
}

// NewTestPattern creates a source producing width x height JPEG frames at
// the given frame interval.
func NewTestPattern(width, height uint16, quality int, fps int) *TestPattern {
	if fps <= 0 {
		fps = 30
	}
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	return &TestPattern{
		width:    width,
		height:   height,
		quality:  quality,
		interval: time.Second / time.Duration(fps),
	}
}

// NextFrame renders and encodes the next pattern frame. JPEG frames are
// self-contained, so keyRequired is ignored.
func (t *TestPattern) NextFrame(ctx context.Context, _ bool) (*rfb.Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(t.interval):
	}

	data, err := t.render()
	if err != nil {
		return nil, err
	}
	return &rfb.Frame{
		Format: rfb.FormatJPEG,
		Data:   data,
		Width:  t.width,
		Height: t.height,
	}, nil
}

func (t *TestPattern) render() ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, int(t.width), int(t.height)))
	t.phase += 3
	for y := 0; y < int(t.height); y++ {
		for x := 0; x < int(t.width); x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8(x) + t.phase,
				G: uint8(y) + t.phase,
				B: uint8(x+y) - t.phase,
				A: 255,
			})
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: t.quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
