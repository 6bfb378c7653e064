package stream

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/pario-ai/llmcache/pkg/cache"
)

var (
	// ErrUpstream is returned when reading the upstream body fails.
	ErrUpstream = errors.New("stream: upstream read failed")
	// ErrIncomplete is returned when an event stream ends before its
	// terminal frame.
	ErrIncomplete = errors.New("stream: ended without terminal frame")
	// ErrDelivery is returned when writing to the client fails.
	ErrDelivery = errors.New("stream: client write failed")
)

// EventStream is the media type of chunked responses.
const EventStream = "text/event-stream"

// Headers that describe the upstream connection rather than the response.
var skipHeaders = map[string]bool{
	"Connection":        true,
	"Content-Length":    true,
	"Keep-Alive":        true,
	"Proxy-Connection":  true,
	"Te":                true,
	"Trailer":           true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
}

// IsEventStream reports whether contentType names an SSE stream.
func IsEventStream(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == EventStream
}

// Capturer tees an upstream response to the client and accumulates it as a
// cache entry.
type Capturer struct {
	// Now stamps captured entries. Defaults to time.Now.
	Now func() time.Time
}

// Capture relays resp to w. For a successful response it returns the
// captured entry with every field but Key set; the entry is only returned
// once the whole response was received and delivered. Non-2xx responses are
// relayed verbatim and yield a nil entry.
//
// Nothing is written to w until the first byte of the upstream body has been
// read, so a caller may still report an early ErrUpstream as its own error
// response when w has no header written.
func (c *Capturer) Capture(w http.ResponseWriter, resp *http.Response) (*cache.Entry, error) {
	ct := resp.Header.Get("Content-Type")
	if IsEventStream(ct) {
		return c.captureChunked(w, resp, ct)
	}
	return c.captureAtomic(w, resp, ct)
}

func (c *Capturer) captureAtomic(w http.ResponseWriter, resp *http.Response, ct string) (*cache.Entry, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Join(ErrUpstream, err)
	}

	writeHeader(w, resp)
	if _, err := w.Write(body); err != nil {
		return nil, errors.Join(ErrDelivery, err)
	}
	if !successful(resp.StatusCode) {
		return nil, nil
	}
	return &cache.Entry{
		Shape:       cache.ShapeAtomic,
		StatusCode:  resp.StatusCode,
		ContentType: ct,
		Body:        body,
		CreatedAt:   c.now(),
	}, nil
}

func (c *Capturer) captureChunked(w http.ResponseWriter, resp *http.Response, ct string) (*cache.Entry, error) {
	flusher, _ := w.(http.Flusher)
	fr := NewFrameReader(resp.Body)

	var (
		chunks   [][]byte
		started  bool
		terminal bool
	)
	for !terminal {
		frame, err := fr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Join(ErrUpstream, err)
		}
		if !started {
			writeHeader(w, resp)
			started = true
		}
		if _, err := w.Write(frame); err != nil {
			return nil, errors.Join(ErrDelivery, err)
		}
		if flusher != nil {
			flusher.Flush()
		}
		chunks = append(chunks, frame)
		terminal = IsTerminal(frame)
	}
	if !started {
		writeHeader(w, resp)
	}

	if !successful(resp.StatusCode) {
		return nil, nil
	}
	if !terminal {
		return nil, ErrIncomplete
	}
	return &cache.Entry{
		Shape:       cache.ShapeChunked,
		StatusCode:  resp.StatusCode,
		ContentType: ct,
		Chunks:      chunks,
		CreatedAt:   c.now(),
	}, nil
}

func (c *Capturer) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func writeHeader(w http.ResponseWriter, resp *http.Response) {
	h := w.Header()
	for k, vals := range resp.Header {
		if skipHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vals {
			h.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
}

func successful(code int) bool {
	return code >= 200 && code < 300
}
