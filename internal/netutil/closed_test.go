package netutil

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"
)

func TestIsExpectedCloseError(t *testing.T) {
	expected := []error{
		io.EOF,
		net.ErrClosed,
		os.ErrClosed,
		io.ErrClosedPipe,
		syscall.EPIPE,
		syscall.ECONNRESET,
		fmt.Errorf("read: %w", io.EOF),
		&net.OpError{Op: "read", Net: "tcp", Err: os.NewSyscallError("read", syscall.ECONNRESET)},
	}
	for _, err := range expected {
		if !IsExpectedCloseError(err) {
			t.Errorf("IsExpectedCloseError(%v) = false, want true", err)
		}
	}

	unexpected := []error{
		nil,
		errors.New("boom"),
		io.ErrUnexpectedEOF,
		syscall.ECONNREFUSED,
	}
	for _, err := range unexpected {
		if IsExpectedCloseError(err) {
			t.Errorf("IsExpectedCloseError(%v) = true, want false", err)
		}
	}
}

func TestLocalTransportCloseErrors(t *testing.T) {
	ours, theirs := net.Pipe()
	theirs.Close()
	if _, err := ours.Write([]byte{1}); !IsExpectedCloseError(err) {
		t.Errorf("net.Pipe write after peer close: %v not expected", err)
	}
	ours.Close()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer w.Close()
	r.Close()
	if _, err := r.Read(make([]byte, 1)); !IsExpectedCloseError(err) {
		t.Errorf("read on closed stdin-like file: %v not expected", err)
	}
}
