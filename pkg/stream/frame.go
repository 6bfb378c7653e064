// Package stream relays upstream responses to a client while capturing them
// for the cache, and replays captured responses.
package stream

import (
	"bufio"
	"bytes"
	"io"
)

// FrameReader splits a server-sent event stream into raw frames. A frame is
// every byte up to and including the blank line that ends an event, so the
// concatenation of all frames is exactly the stream.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// Next returns the next frame. Trailing bytes without a closing blank line are
// returned as a final frame; after that Next returns io.EOF. Any other read
// error is returned as is and the partial frame is dropped.
func (fr *FrameReader) Next() ([]byte, error) {
	var frame []byte
	for {
		line, err := fr.r.ReadBytes('\n')
		frame = append(frame, line...)
		if err != nil {
			if err == io.EOF && len(frame) > 0 {
				return frame, nil
			}
			return nil, err
		}
		if isBlank(line) {
			return frame, nil
		}
	}
}

func isBlank(line []byte) bool {
	return len(line) == 1 || (len(line) == 2 && line[0] == '\r')
}

var (
	doneMarker  = []byte("[DONE]")
	stopEvent   = []byte("message_stop")
	stopPayload = []byte(`"type":"message_stop"`)
)

// IsTerminal reports whether frame ends a completion stream: an OpenAI
// "data: [DONE]" line or an Anthropic message_stop event.
func IsTerminal(frame []byte) bool {
	for len(frame) > 0 {
		var line []byte
		if i := bytes.IndexByte(frame, '\n'); i >= 0 {
			line, frame = frame[:i], frame[i+1:]
		} else {
			line, frame = frame, nil
		}
		line = bytes.TrimRight(line, "\r")

		field, value, ok := bytes.Cut(line, []byte(":"))
		if !ok {
			continue
		}
		value = bytes.TrimSpace(value)
		switch string(field) {
		case "data":
			if bytes.Equal(value, doneMarker) || bytes.Contains(value, stopPayload) {
				return true
			}
		case "event":
			if bytes.Equal(value, stopEvent) {
				return true
			}
		}
	}
	return false
}
