// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: The okvmd Authors

// Package video abstracts the capture pipeline feeding encoded frames to
// the VNC server. The daemon ships a synthetic test-pattern source; a real
// capture backend plugs in behind the same interface.
package video

import (
	"context"

	"github.com/okvmd/okvmd/internal/rfb"
)

// Source yields encoded video frames. NextFrame blocks until a frame is
// available or ctx is cancelled. keyRequired asks diff-coded backends to
// emit a keyframe so a resynchronizing client can decode the stream.
type Source interface {
	NextFrame(ctx context.Context, keyRequired bool) (*rfb.Frame, error)
}
