package native

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/routine/routine-host/internal/endpoint"
	"github.com/routine/routine-host/internal/frame"
	"github.com/routine/routine-host/internal/types"
)

func TestHostReadsUntilEOF(t *testing.T) {
	codec := frame.NewCodec(frame.NativeOrder(), 0)

	var stdin bytes.Buffer
	w := frame.NewWriter(&stdin, codec)
	for _, action := range []string{"first", "second"} {
		if err := w.WriteMessage(types.Message{Action: action}); err != nil {
			t.Fatalf("WriteMessage error: %v", err)
		}
	}

	host := NewHost(&stdin, io.Discard, codec, nil)
	if host.ID() != endpoint.LocalID {
		t.Fatalf("unexpected id: %s", host.ID())
	}
	if err := host.Activate(); err != nil {
		t.Fatalf("Activate error: %v", err)
	}

	var got []string
	err := host.Run(func(msg types.Message) bool {
		got = append(got, msg.Action)
		return true
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("unexpected messages: %v", got)
	}
}

func TestHostStopsOnBadFrame(t *testing.T) {
	codec := frame.NewCodec(binary.LittleEndian, 0)
	// Declares 10 bytes, delivers 3.
	stdin := bytes.NewReader([]byte{10, 0, 0, 0, '{', '"', 'a'})

	host := NewHost(stdin, io.Discard, codec, nil)
	if err := host.Activate(); err != nil {
		t.Fatalf("Activate error: %v", err)
	}

	err := host.Run(func(types.Message) bool { return true })
	if !frame.IsDecodeError(err) {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestHostWritesWholeFrames(t *testing.T) {
	codec := frame.NewCodec(binary.LittleEndian, 0)
	var stdout bytes.Buffer

	host := NewHost(bytes.NewReader(nil), &stdout, codec, nil)
	if err := host.Activate(); err != nil {
		t.Fatalf("Activate error: %v", err)
	}
	if err := host.Send(types.Message{Action: "pong"}); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	want := `{"action":"pong","data":null}`
	got := stdout.Bytes()
	if len(got) != 4+len(want) {
		t.Fatalf("frame not flushed: %d bytes", len(got))
	}
	if n := binary.LittleEndian.Uint32(got[:4]); int(n) != len(want) {
		t.Fatalf("length prefix = %d, want %d", n, len(want))
	}
	if string(got[4:]) != want {
		t.Fatalf("payload = %s", got[4:])
	}
}
