package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
)

// pipePair builds two connected Conns over in-process pipes.
func pipePair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	parentR, childW := io.Pipe()
	childR, parentW := io.Pipe()
	parent := NewConn(parentR, parentW)
	child := NewConn(childR, childW)
	t.Cleanup(func() {
		parent.Close()
		child.Close()
	})
	return parent, child
}

func TestFrameRoundTrip(t *testing.T) {
	parent, child := pipePair(t)

	go func() {
		_ = parent.Send(FrameChat, "req-1", ChatRequest{
			ChatID: "c1",
			Model:  "anthropic:claude-sonnet-4-20250514",
			Messages: []ChatMsg{
				{Role: "user", Content: "hello"},
			},
		})
	}()

	f, err := child.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if f.Type != FrameChat || f.ID != "req-1" {
		t.Fatalf("frame = %s/%s", f.Type, f.ID)
	}
	var req ChatRequest
	if err := f.DecodePayload(&req); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if req.ChatID != "c1" || len(req.Messages) != 1 || req.Messages[0].Content != "hello" {
		t.Errorf("payload = %+v", req)
	}
}

func TestCacheFramesCarryKeyAndValue(t *testing.T) {
	parent, child := pipePair(t)

	go func() {
		_ = child.Write(&Frame{Type: FrameCacheUpdate, Key: "models", Value: []byte("catalog")})
	}()

	f, err := parent.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if f.Type != FrameCacheUpdate || f.Key != "models" || string(f.Value) != "catalog" {
		t.Errorf("frame = %+v", f)
	}
}

func TestOversizeWriteRejected(t *testing.T) {
	parent, _ := pipePair(t)

	payload := make([]byte, MaxFrameSize)
	for i := range payload {
		payload[i] = 'a'
	}
	big := &Frame{Type: FrameDelta, Payload: []byte(`"` + string(payload) + `"`)}

	err := parent.Write(big)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("Write = %v, want ErrFrameTooLarge", err)
	}
}

func TestOversizeHeaderRejectedOnRead(t *testing.T) {
	r, w := io.Pipe()
	conn := NewConn(r, io.Discard)
	defer conn.Close()

	go func() {
		var header [4]byte
		binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)
		w.Write(header[:])
		w.Close()
	}()

	_, err := conn.Read()
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("Read = %v, want ErrFrameTooLarge", err)
	}
}

func TestCleanEOF(t *testing.T) {
	r, w := io.Pipe()
	conn := NewConn(r, io.Discard)
	defer conn.Close()

	w.Close()
	if _, err := conn.Read(); err != io.EOF {
		t.Fatalf("Read = %v, want io.EOF", err)
	}
}

func TestTruncatedFrameIsError(t *testing.T) {
	r, w := io.Pipe()
	conn := NewConn(r, io.Discard)
	defer conn.Close()

	go func() {
		var header [4]byte
		binary.BigEndian.PutUint32(header[:], 100)
		w.Write(header[:])
		w.Write([]byte(`{"type":"delta"`)) // 15 of 100 bytes
		w.Close()
	}()

	_, err := conn.Read()
	if err == nil || err == io.EOF {
		t.Fatalf("Read = %v, want a framing error", err)
	}
}

func TestConcurrentWritersDoNotInterleave(t *testing.T) {
	parent, child := pipePair(t)

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				err := parent.Send(FrameDelta, fmt.Sprintf("w%d-%d", w, i), Delta{Text: "chunk"})
				if err != nil {
					t.Errorf("writer %d: %v", w, err)
					return
				}
			}
		}(w)
	}

	seen := map[string]bool{}
	for i := 0; i < writers*perWriter; i++ {
		f, err := child.Read()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if f.Type != FrameDelta {
			t.Fatalf("read %d: type %s", i, f.Type)
		}
		if seen[f.ID] {
			t.Fatalf("duplicate frame id %s", f.ID)
		}
		seen[f.ID] = true
	}
	wg.Wait()
}

func TestFrameMissingTypeRejected(t *testing.T) {
	r, w := io.Pipe()
	conn := NewConn(r, io.Discard)
	defer conn.Close()

	go func() {
		body := []byte(`{"id":"x"}`)
		var header [4]byte
		binary.BigEndian.PutUint32(header[:], uint32(len(body)))
		w.Write(header[:])
		w.Write(body)
		w.Close()
	}()

	if _, err := conn.Read(); err == nil {
		t.Fatal("typeless frame accepted")
	}
}
