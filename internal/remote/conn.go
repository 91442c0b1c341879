package remote

import (
	"log/slog"
	"net"
	"strings"

	"github.com/google/uuid"

	"github.com/routine/routine-host/internal/endpoint"
	"github.com/routine/routine-host/internal/frame"
)

// IDPrefix starts every remote endpoint identity.
const IDPrefix = "remote:"

// ConnID derives an endpoint identity from the peer address. The random
// suffix keeps a reconnect from the same address distinct from the
// connection it replaces.
func ConnID(addr net.Addr) string {
	peer := "unknown"
	if addr != nil {
		peer = addr.String()
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return IDPrefix + peer + "#" + suffix
}

// NewEndpoint wraps conn as a framed endpoint. The reader and the writer
// use disjoint halves of the socket, so one goroutine may read while
// another writes.
func NewEndpoint(conn net.Conn, codec frame.Codec, logger *slog.Logger) *endpoint.Endpoint {
	return endpoint.New(endpoint.Config{
		ID:         ConnID(conn.RemoteAddr()),
		Reader:     conn,
		Writer:     conn,
		Closer:     conn,
		ReadCodec:  codec,
		WriteCodec: codec,
		Logger:     logger,
	})
}
