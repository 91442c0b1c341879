package frame

import (
	"fmt"
	"io"
	"sync"

	"github.com/routine/routine-host/internal/types"
)

type flusher interface {
	Flush() error
}

// Writer writes whole frames to a sink. Each WriteMessage issues a single
// Write of prefix and payload under a mutex, so frames from concurrent
// callers never interleave. Buffered sinks are flushed before returning.
type Writer struct {
	codec Codec
	mu    sync.Mutex
	w     io.Writer
}

// NewWriter wraps w with the given codec.
func NewWriter(w io.Writer, codec Codec) *Writer {
	return &Writer{codec: codec, w: w}
}

// WriteMessage encodes msg and writes it as one frame.
func (fw *Writer) WriteMessage(msg types.Message) error {
	buf, err := fw.codec.Encode(msg)
	if err != nil {
		return err
	}
	return fw.writeFrame(buf)
}

// WritePayload frames and writes an already serialized JSON payload.
func (fw *Writer) WritePayload(payload []byte) error {
	buf, err := fw.codec.EncodePayload(payload)
	if err != nil {
		return err
	}
	return fw.writeFrame(buf)
}

func (fw *Writer) writeFrame(buf []byte) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if _, err := fw.w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if f, ok := fw.w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flush frame: %w", err)
		}
	}
	return nil
}

// Reader reads sequential frames from a stream. It is not safe for
// concurrent use; each stream has exactly one reading goroutine.
type Reader struct {
	codec Codec
	r     io.Reader
}

// NewReader wraps r with the given codec.
func NewReader(r io.Reader, codec Codec) *Reader {
	return &Reader{codec: codec, r: r}
}

// ReadMessage blocks until a full frame is available and decodes it.
func (fr *Reader) ReadMessage() (types.Message, error) {
	return fr.codec.Decode(fr.r)
}
