// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: The okvmd Authors

package rfb

// Encoding identifiers and pseudo-encodings beyond stock RFB 3.8.
const (
	EncodingTight int32 = 7
	EncodingH264  int32 = 50 // vendor "Open H264"

	EncodingResize    int32 = -223 // DesktopSize pseudo-encoding
	EncodingLEDState  int32 = -261 // LED State pseudo-encoding
	EncodingExtKeys   int32 = -258 // QEMU Extended Key Event pseudo-encoding
	EncodingRename    int32 = -307 // DesktopName pseudo-encoding
	encodingQualityLo int32 = -32  // Tight JPEG quality 10
	encodingQualityHi int32 = -23  // Tight JPEG quality 100
)

// tightJPEGQuality maps the JPEG Quality Level pseudo-encodings (-32..-23)
// to percentages (10..100 in steps of 10).
func tightJPEGQuality(encoding int32) (uint, bool) {
	if encoding < encodingQualityLo || encoding > encodingQualityHi {
		return 0, false
	}
	return uint((encoding - encodingQualityLo + 1) * 10), true
}

// ClientEncodings is the capability set a client advertised with its last
// SetEncodings message, with the derived flags the server actually consults.
// It is replaced wholesale on every SetEncodings; the zero value advertises
// nothing.
type ClientEncodings struct {
	encodings map[int32]struct{}

	HasResize   bool
	HasRename   bool
	HasLEDState bool
	HasExtKeys  bool

	HasTight bool
	// TightJPEGQuality is 0 when the client sent no quality level, else one
	// of 10..100. Tight JPEG frames may only be sent when it is positive.
	TightJPEGQuality uint

	HasH264 bool
}

// NewClientEncodings derives the capability set from the raw signed 32-bit
// encoding IDs of a SetEncodings message.
func NewClientEncodings(raw []int32) ClientEncodings {
	ce := ClientEncodings{encodings: make(map[int32]struct{}, len(raw))}
	for _, encoding := range raw {
		ce.encodings[encoding] = struct{}{}
	}

	ce.HasResize = ce.Has(EncodingResize)
	ce.HasRename = ce.Has(EncodingRename)
	ce.HasLEDState = ce.Has(EncodingLEDState)
	ce.HasExtKeys = ce.Has(EncodingExtKeys)
	ce.HasTight = ce.Has(EncodingTight)
	ce.HasH264 = ce.Has(EncodingH264)

	if ce.HasTight {
		// The highest advertised quality level wins.
		for encoding := encodingQualityHi; encoding >= encodingQualityLo; encoding-- {
			if ce.Has(encoding) {
				ce.TightJPEGQuality, _ = tightJPEGQuality(encoding)
				break
			}
		}
	}
	return ce
}

// Has reports whether the client advertised the given encoding ID.
func (ce ClientEncodings) Has(encoding int32) bool {
	_, ok := ce.encodings[encoding]
	return ok
}

// SupportsTightJPEG reports whether Tight JPEG frames may be sent: the
// client must advertise Tight and a positive quality level.
func (ce ClientEncodings) SupportsTightJPEG() bool {
	return ce.HasTight && ce.TightJPEGQuality > 0
}
