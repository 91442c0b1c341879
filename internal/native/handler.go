// Package native implements the browser side of the relay: the Chrome /
// Firefox native messaging protocol over the host's stdin and stdout.
package native

import (
	"bufio"
	"io"
	"log/slog"

	"github.com/routine/routine-host/internal/endpoint"
	"github.com/routine/routine-host/internal/frame"
	"github.com/routine/routine-host/internal/types"
)

// Host owns the native messaging pipe and presents it as the relay's
// "local" endpoint.
type Host struct {
	*endpoint.Endpoint
}

// NewHost wraps stdin and stdout with codec. Writes are buffered and
// flushed once per frame, so the browser always sees whole messages.
func NewHost(stdin io.Reader, stdout io.Writer, codec frame.Codec, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	buffered := bufio.NewWriter(stdout)
	h := &Host{}
	h.Endpoint = endpoint.New(endpoint.Config{
		ID:         endpoint.LocalID,
		Reader:     stdin,
		Writer:     buffered,
		Closer:     closerFor(stdin),
		ReadCodec:  codec,
		WriteCodec: codec,
		Logger:     logger,
	})
	return h
}

// Run reads browser messages until the pipe ends and hands each to emit.
// Any read failure is final. The browser owns the other end of the pipe,
// and a bad or missing frame means it has gone away.
func (h *Host) Run(emit func(msg types.Message) bool) error {
	return h.ReadLoop(emit)
}

// closerFor closes stdin on shutdown when the reader supports it, which
// unblocks a pending read.
func closerFor(r io.Reader) io.Closer {
	if c, ok := r.(io.Closer); ok {
		return c
	}
	return nil
}
