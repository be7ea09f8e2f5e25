package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// FrameKind is the 4-byte big-endian discriminator at the head of every
// binary frame on the event channel.
type FrameKind uint32

const (
	// FramePreview is a legacy preview: 4-byte image type, then image bytes.
	FramePreview FrameKind = 1
	// FramePreviewRaw is a raw preview: remainder is image bytes.
	FramePreviewRaw FrameKind = 2
	// FrameText is a text frame: 4-byte channel id, then UTF-8 text.
	FrameText FrameKind = 3
	// FramePreviewMeta is a preview with a JSON metadata prefix.
	FramePreviewMeta FrameKind = 4
)

// Legacy preview image type codes (FramePreview second word).
const (
	imageTypeJPEG = 1
	imageTypePNG  = 2
)

// ErrTruncatedFrame is returned for frames shorter than the prefix their
// kind requires. Callers drop the frame and log; never fatal.
var ErrTruncatedFrame = errors.New("truncated binary frame")

// ErrUnknownFrameKind is returned for kinds this client does not speak.
var ErrUnknownFrameKind = errors.New("unknown binary frame kind")

// Frame is a decoded binary event-channel frame.
// Which fields are set depends on Kind.
type Frame struct {
	Kind FrameKind

	// Image and MIME are set for preview kinds (1, 2, 4).
	Image []byte
	MIME  string

	// Metadata is set for FramePreviewMeta.
	Metadata json.RawMessage

	// Channel and Text are set for FrameText.
	Channel uint32
	Text    string
}

// previewMetadata is the parsed shape of the kind-4 metadata prefix.
type previewMetadata struct {
	ImageType string `json:"image_type"`
}

// ParseFrame decodes a binary event-channel frame.
// Truncated frames return ErrTruncatedFrame; unknown kinds return
// ErrUnknownFrameKind. Both are drop-and-log conditions.
func ParseFrame(buf []byte) (*Frame, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: %d bytes, need 4 for kind", ErrTruncatedFrame, len(buf))
	}
	kind := FrameKind(binary.BigEndian.Uint32(buf[:4]))
	rest := buf[4:]

	switch kind {
	case FramePreview:
		if len(rest) < 4 {
			return nil, fmt.Errorf("%w: kind 1 needs 4-byte image type", ErrTruncatedFrame)
		}
		mime := "image/jpeg"
		switch binary.BigEndian.Uint32(rest[:4]) {
		case imageTypeJPEG:
			mime = "image/jpeg"
		case imageTypePNG:
			mime = "image/png"
		}
		return &Frame{Kind: kind, MIME: mime, Image: rest[4:]}, nil

	case FramePreviewRaw:
		return &Frame{Kind: kind, MIME: "image/jpeg", Image: rest}, nil

	case FrameText:
		if len(rest) < 4 {
			return nil, fmt.Errorf("%w: kind 3 needs 4-byte channel id", ErrTruncatedFrame)
		}
		return &Frame{
			Kind:    kind,
			Channel: binary.BigEndian.Uint32(rest[:4]),
			Text:    string(rest[4:]),
		}, nil

	case FramePreviewMeta:
		if len(rest) < 4 {
			return nil, fmt.Errorf("%w: kind 4 needs 4-byte metadata length", ErrTruncatedFrame)
		}
		metaLen := binary.BigEndian.Uint32(rest[:4])
		body := rest[4:]
		if uint64(metaLen) > uint64(len(body)) {
			return nil, fmt.Errorf("%w: metadata length %d exceeds frame", ErrTruncatedFrame, metaLen)
		}
		meta := body[:metaLen]
		mime := "image/jpeg"
		var pm previewMetadata
		if err := json.Unmarshal(meta, &pm); err == nil && pm.ImageType != "" {
			mime = pm.ImageType
		}
		return &Frame{
			Kind:     kind,
			Metadata: json.RawMessage(meta),
			MIME:     mime,
			Image:    body[metaLen:],
		}, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownFrameKind, kind)
	}
}

// AppendFrame encodes a frame for sending. Used by tests and fakes; the
// production client only parses.
func AppendFrame(dst []byte, f *Frame) []byte {
	var word [4]byte
	binary.BigEndian.PutUint32(word[:], uint32(f.Kind))
	dst = append(dst, word[:]...)

	switch f.Kind {
	case FramePreview:
		code := uint32(imageTypeJPEG)
		if f.MIME == "image/png" {
			code = imageTypePNG
		}
		binary.BigEndian.PutUint32(word[:], code)
		dst = append(dst, word[:]...)
		dst = append(dst, f.Image...)
	case FramePreviewRaw:
		dst = append(dst, f.Image...)
	case FrameText:
		binary.BigEndian.PutUint32(word[:], f.Channel)
		dst = append(dst, word[:]...)
		dst = append(dst, f.Text...)
	case FramePreviewMeta:
		binary.BigEndian.PutUint32(word[:], uint32(len(f.Metadata)))
		dst = append(dst, word[:]...)
		dst = append(dst, f.Metadata...)
		dst = append(dst, f.Image...)
	}
	return dst
}
