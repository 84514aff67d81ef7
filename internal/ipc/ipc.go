// Package ipc frames the parent/worker protocol: length-prefixed JSON
// messages over a duplex pipe pair. The wire format is a big-endian
// uint32 length followed by that many bytes of JSON; a frame larger
// than MaxFrameSize is a protocol error on both ends.
package ipc

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// MaxFrameSize caps a single frame at 8 MiB. Streamed model output is
// chunked well below this; anything larger is a bug or an attack.
const MaxFrameSize = 8 << 20

// Child fd numbers for the pipe pair passed via ExtraFiles. ExtraFiles
// entry 0 lands on fd 3.
const (
	ChildReadFD  = 3
	ChildWriteFD = 4
)

// ErrFrameTooLarge reports a frame over MaxFrameSize.
var ErrFrameTooLarge = errors.New("ipc: frame exceeds size cap")

// FrameType discriminates protocol messages.
type FrameType string

// Parent→worker frames.
const (
	FrameChat         FrameType = "chat"
	FramePlanTask     FrameType = "plan_task"
	FrameCancel       FrameType = "cancel"
	FrameConfigReload FrameType = "config_reload"
	FrameStop         FrameType = "stop"
)

// Worker→parent frames.
const (
	FrameInitComplete FrameType = "init_complete"
	FrameDelta        FrameType = "delta"
	FrameThought      FrameType = "thought"
	FrameModelRetry   FrameType = "model_retry"
	FrameResult       FrameType = "result"
	FrameError        FrameType = "error"
)

// Startup cache protocol frames (both directions).
const (
	FrameCacheRequest      FrameType = "startup_cache_request"
	FrameCacheHit          FrameType = "startup_cache_hit"
	FrameCacheMiss         FrameType = "startup_cache_miss"
	FrameCacheWait         FrameType = "startup_cache_wait"
	FrameCacheUpdate       FrameType = "startup_cache_update"
	FrameCacheUpdateFailed FrameType = "startup_cache_update_failed"
	FrameCacheAck          FrameType = "startup_cache_ack"
)

// Frame is the protocol envelope. ID correlates a request with its
// replies; Key/Value serve the startup cache; Payload carries the
// message body for typed frames.
type Frame struct {
	Type FrameType `json:"type"`
	ID   string    `json:"id,omitempty"`

	Key   string `json:"key,omitempty"`
	Value []byte `json:"value,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// DecodePayload unmarshals the frame payload into v.
func (f *Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("ipc: %s frame has no payload", f.Type)
	}
	return json.Unmarshal(f.Payload, v)
}

// NewFrame builds a frame with v encoded as its payload.
func NewFrame(t FrameType, id string, v any) (*Frame, error) {
	f := &Frame{Type: t, ID: id}
	if v != nil {
		payload, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("ipc: encode %s payload: %w", t, err)
		}
		f.Payload = payload
	}
	return f, nil
}

// Conn is one end of the duplex frame stream. Reads are single-reader;
// writes are safe for concurrent use.
type Conn struct {
	r *bufio.Reader

	wmu sync.Mutex
	w   io.Writer

	closers []io.Closer
}

// NewConn wraps a reader/writer pair. Closeable endpoints passed here
// are closed by Close.
func NewConn(r io.Reader, w io.Writer) *Conn {
	c := &Conn{r: bufio.NewReader(r), w: w}
	if rc, ok := r.(io.Closer); ok {
		c.closers = append(c.closers, rc)
	}
	if wc, ok := w.(io.Closer); ok {
		c.closers = append(c.closers, wc)
	}
	return c
}

// ChildConn opens the worker end of the pipe pair on the conventional
// fds.
func ChildConn() *Conn {
	return NewConn(
		os.NewFile(uintptr(ChildReadFD), "ipc-read"),
		os.NewFile(uintptr(ChildWriteFD), "ipc-write"),
	)
}

// Read blocks for the next frame. io.EOF means the peer closed its
// write end cleanly; a partial frame surfaces as ErrUnexpectedEOF.
func (c *Conn) Read() (*Frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("ipc: read frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return nil, fmt.Errorf("ipc: read frame body: %w", err)
	}
	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("ipc: decode frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("ipc: frame missing type")
	}
	return &f, nil
}

// Write sends one frame. The length header and body go out under one
// lock so concurrent writers never interleave.
func (c *Conn) Write(f *Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("ipc: encode frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(header[:]); err != nil {
		return fmt.Errorf("ipc: write frame header: %w", err)
	}
	if _, err := c.w.Write(body); err != nil {
		return fmt.Errorf("ipc: write frame body: %w", err)
	}
	return nil
}

// Send encodes v as a payload and writes the frame.
func (c *Conn) Send(t FrameType, id string, v any) error {
	f, err := NewFrame(t, id, v)
	if err != nil {
		return err
	}
	return c.Write(f)
}

// Close closes the underlying endpoints.
func (c *Conn) Close() error {
	var firstErr error
	for _, closer := range c.closers {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
