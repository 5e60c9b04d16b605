package live

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/go-stomp/stomp/v3/frame"
)

var ErrMalformedFrame = errors.New("malformed stomp frame")

// EncodeFrame renders f as the payload of one websocket message.
func EncodeFrame(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", f.Command, err)
	}
	return buf.Bytes(), nil
}

// DecodeFrames parses every frame in one websocket message. Heart-beat EOLs
// are skipped, so a message holding only heart-beats yields no frames.
func DecodeFrames(data []byte) ([]*frame.Frame, error) {
	data = bytes.TrimRight(data, "\r\n")
	if len(data) == 0 {
		return nil, nil
	}
	// A websocket message never splits a frame, so it must end on a NUL
	if data[len(data)-1] != 0 {
		return nil, fmt.Errorf("%w: missing NUL terminator", ErrMalformedFrame)
	}

	r := frame.NewReader(bytes.NewReader(data))
	var frames []*frame.Frame
	for {
		f, err := r.Read()
		if err == io.EOF {
			return frames, nil
		}
		if err != nil {
			return frames, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if f != nil {
			frames = append(frames, f)
		}
	}
}
