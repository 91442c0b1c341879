package remote

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routine/routine-host/internal/clock"
	"github.com/routine/routine-host/internal/frame"
	"github.com/routine/routine-host/internal/types"
)

func TestParsePort(t *testing.T) {
	valid := map[string]int{
		"54325":       54325,
		"54325\n":     54325,
		"  8080 \r\n": 8080,
		"1":           1,
		"65535":       65535,
	}
	for text, want := range valid {
		got, err := ParsePort(text)
		require.NoError(t, err, "%q", text)
		assert.Equal(t, want, got)
	}

	for _, text := range []string{"", "   ", "0", "65536", "-1", "80a", "0x50", "12 34"} {
		_, err := ParsePort(text)
		assert.Error(t, err, "%q", text)
	}
}

func TestPortFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routine_port")
	source := PortFile{Path: path}

	_, err := source.Port(context.Background())
	var discoveryErr *PortDiscoveryError
	require.True(t, errors.As(err, &discoveryErr))
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))
	_, err = source.Port(context.Background())
	assert.True(t, errors.As(err, &discoveryErr))

	require.NoError(t, os.WriteFile(path, []byte("54325\n"), 0o644))
	port, err := source.Port(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 54325, port)
}

func TestStaticPort(t *testing.T) {
	port, err := StaticPort(9000).Port(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9000, port)

	_, err = StaticPort(0).Port(context.Background())
	assert.Error(t, err)
}

func TestConnIDUniquePerConnection(t *testing.T) {
	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
	first := ConnID(addr)
	second := ConnID(addr)

	assert.True(t, strings.HasPrefix(first, IDPrefix+"127.0.0.1:40000#"))
	assert.Len(t, strings.TrimPrefix(first, IDPrefix+"127.0.0.1:40000#"), 8)
	assert.NotEqual(t, first, second)
	assert.True(t, strings.HasPrefix(ConnID(nil), IDPrefix+"unknown#"))
}

func TestConnectRetryBound(t *testing.T) {
	const attempts = 4
	const delay = 500 * time.Millisecond

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.Fake(start)

	var mu sync.Mutex
	var dialed []string
	refuse := func(ctx context.Context, network, address string) (net.Conn, error) {
		mu.Lock()
		dialed = append(dialed, address)
		mu.Unlock()
		return nil, errors.New("connection refused")
	}

	dialer := &Dialer{
		Host:        "127.0.0.1",
		Ports:       StaticPort(54325),
		MaxAttempts: attempts,
		RetryDelay:  delay,
		Clock:       clk,
		Dial:        refuse,
	}

	result := make(chan error, 1)
	go func() {
		_, err := dialer.Connect(context.Background())
		result <- err
	}()

	for i := 1; i < attempts; i++ {
		clk.WaitForTimers(1)
		clk.Advance(delay)
	}

	var err error
	select {
	case err = <-result:
	case <-time.After(5 * time.Second):
		t.Fatal("Connect did not give up")
	}

	assert.ErrorIs(t, err, ErrRetriesExhausted)
	var connectErr *ConnectError
	require.True(t, errors.As(err, &connectErr))
	assert.Equal(t, attempts, connectErr.Attempts)
	assert.Equal(t, "127.0.0.1:54325", connectErr.Addr)
	assert.EqualError(t, errors.Unwrap(err), "connection refused")

	mu.Lock()
	assert.Len(t, dialed, attempts)
	mu.Unlock()
	assert.Equal(t, time.Duration(attempts-1)*delay, clk.Now().Sub(start))
	assert.Zero(t, clk.PendingCount(), "no delay after the last attempt")
}

func TestConnectPicksUpPortFileLate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routine_port")
	clk := clock.Fake(time.Now())

	ours, theirs := net.Pipe()
	defer ours.Close()
	defer theirs.Close()

	var dialedAddr string
	dialer := &Dialer{
		Ports:       PortFile{Path: path},
		MaxAttempts: 3,
		Clock:       clk,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			dialedAddr = address
			return ours, nil
		},
	}

	result := make(chan error, 1)
	go func() {
		_, err := dialer.Connect(context.Background())
		result <- err
	}()

	// The first attempt finds no descriptor; the application writes it
	// before the second.
	clk.WaitForTimers(1)
	require.NoError(t, os.WriteFile(path, []byte("61000\n"), 0o644))
	clk.Advance(DefaultRetryDelay)

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Connect did not return")
	}
	assert.Equal(t, DefaultHost+":61000", dialedAddr)
}

func TestConnectMissingPortFileExhausts(t *testing.T) {
	const (
		attempts = 4
		delay    = 250 * time.Millisecond
	)
	start := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	clk := clock.Fake(start)

	dialed := 0
	dialer := &Dialer{
		Ports:       PortFile{Path: filepath.Join(t.TempDir(), "absent")},
		MaxAttempts: attempts,
		RetryDelay:  delay,
		Clock:       clk,
		Dial: func(context.Context, string, string) (net.Conn, error) {
			dialed++
			return nil, errors.New("unexpected dial")
		},
	}

	result := make(chan error, 1)
	go func() {
		_, err := dialer.Connect(context.Background())
		result <- err
	}()

	for i := 1; i < attempts; i++ {
		clk.WaitForTimers(1)
		clk.Advance(delay)
	}

	var err error
	select {
	case err = <-result:
	case <-time.After(5 * time.Second):
		t.Fatal("Connect did not give up")
	}

	assert.ErrorIs(t, err, ErrRetriesExhausted)
	var discoveryErr *PortDiscoveryError
	assert.True(t, errors.As(err, &discoveryErr))
	var connectErr *ConnectError
	require.True(t, errors.As(err, &connectErr))
	assert.Equal(t, attempts, connectErr.Attempts)
	assert.Zero(t, dialed, "no port was ever discovered")
	assert.Equal(t, time.Duration(attempts-1)*delay, clk.Now().Sub(start))
	assert.Zero(t, clk.PendingCount(), "no delay after the last attempt")
}

func TestConnectHonoursContext(t *testing.T) {
	clk := clock.Fake(time.Now())
	dialer := &Dialer{
		Ports:       StaticPort(1),
		MaxAttempts: 10,
		Clock:       clk,
		Dial: func(context.Context, string, string) (net.Conn, error) {
			return nil, errors.New("refused")
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := dialer.Connect(ctx)
		result <- err
	}()
	clk.WaitForTimers(1)
	cancel()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrRetriesExhausted)
	case <-time.After(5 * time.Second):
		t.Fatal("Connect ignored cancellation")
	}
}

func TestConnectRealListener(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	dialer := &Dialer{Ports: StaticPort(listener.Addr().(*net.TCPAddr).Port), MaxAttempts: 1}
	conn, err := dialer.Connect(context.Background())
	require.NoError(t, err)
	conn.Close()
}

func TestListenBindError(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	server := &Server{Addr: occupied.Addr().String(), OnConn: func(net.Conn) {}}
	err = server.Listen()
	var bindErr *BindError
	require.True(t, errors.As(err, &bindErr))
	assert.Equal(t, occupied.Addr().String(), bindErr.Addr)

	err = (&Server{}).Listen()
	assert.True(t, errors.As(err, &bindErr))
}

func TestServerAcceptsManyPeers(t *testing.T) {
	codec := frame.NewCodec(binary.BigEndian, 0)
	received := make(chan string, 8)

	server := &Server{
		Addr: "127.0.0.1:0",
		OnConn: func(conn net.Conn) {
			ep := NewEndpoint(conn, codec, nil)
			defer ep.Close()
			assert.NoError(t, ep.Activate())
			assert.True(t, strings.HasPrefix(ep.ID(), IDPrefix))
			_ = ep.ReadLoop(func(msg types.Message) bool {
				received <- msg.Action
				return true
			})
		},
	}
	require.NoError(t, server.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, server.Start(ctx))

	var clients []net.Conn
	for _, action := range []string{"first", "second", "third"} {
		conn, err := net.Dial("tcp", server.BoundAddr().String())
		require.NoError(t, err)
		clients = append(clients, conn)
		encoded, err := codec.Encode(types.Message{Action: action})
		require.NoError(t, err)
		_, err = conn.Write(encoded)
		require.NoError(t, err)
	}

	got := map[string]bool{}
	for i := 0; i < 3; i++ {
		select {
		case action := <-received:
			got[action] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d of 3 messages", i)
		}
	}
	assert.Equal(t, map[string]bool{"first": true, "second": true, "third": true}, got)

	for _, conn := range clients {
		conn.Close()
	}
	stopped := make(chan struct{})
	go func() {
		server.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestStartRequiresListen(t *testing.T) {
	server := &Server{Addr: "127.0.0.1:0", OnConn: func(net.Conn) {}}
	assert.Error(t, server.Start(context.Background()))
	assert.Nil(t, server.BoundAddr())
}
