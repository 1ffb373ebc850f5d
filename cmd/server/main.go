// Command server is a minimal TCP front end for the Connection State
// Machine: it accepts cleartext connections, hands every inbound byte
// chunk to an engine.Connection, and answers every completed request
// with a fixed "hello" response. ALPN/TLS negotiation is the
// out-of-scope TLS-engine collaborator (spec §1); this demonstrates
// the cleartext and h2c paths only.
//
// Grounded in the teacher's cmd/<name>/main.go layout convention
// (cmd/pooling_test, cmd/protocol_test), read here as a server-side
// harness instead of a client-side one.
package main

import (
	"flag"
	"log"
	"net"

	"go.uber.org/zap"

	"github.com/corvidproto/httpengine/pkg/engine"
	"github.com/corvidproto/httpengine/pkg/enginelog"
	"github.com/corvidproto/httpengine/pkg/stream"
)

// connTransport adapts a net.Conn to engine.Transport: Send writes
// synchronously, and a nil Send requests a close once queued writes
// land (spec §1 "Socket acceptor... provides byte buffers in and
// accepts byte buffers out").
type connTransport struct {
	conn net.Conn
	log  *zap.Logger
}

func (t *connTransport) Send(b []byte) {
	if b == nil {
		_ = t.conn.Close()
		return
	}
	if _, err := t.conn.Write(b); err != nil {
		t.log.Warn("write failed", zap.Error(err), zap.String("remote", t.conn.RemoteAddr().String()))
	}
}

func (t *connTransport) Close() { _ = t.conn.Close() }

// helloHandler answers every request with a static 200 response once
// its body has fully arrived.
type helloHandler struct {
	conn *engine.Connection
}

func (h *helloHandler) OnHeaders(s *stream.Stream)                        {}
func (h *helloHandler) OnBody(s *stream.Stream, chunk []byte)              {}
func (h *helloHandler) OnTrailers(s *stream.Stream, trailers []stream.Header) {}

func (h *helloHandler) OnEndRequest(s *stream.Stream) {
	body := []byte("hello from httpengine\n")
	headers := []stream.Header{
		{Name: "content-type", Value: "text/plain"},
		{Name: "content-length", Value: itoa(len(body))},
	}
	_ = h.conn.Headers(s.ID, 200, headers)
	_ = h.conn.ResponseBodyContent(s.ID, body)
	_ = h.conn.EndResponseBody(s.ID, nil)
	h.conn.Complete(s.ID)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func serveConn(conn net.Conn, log *zap.Logger) {
	defer conn.Close()
	tr := &connTransport{conn: conn, log: log}
	h := &helloHandler{}
	c := engine.New(tr, h, engine.DefaultOptions(), "", log)
	h.conn = c

	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			cp := make([]byte, n)
			copy(cp, buf[:n])
			c.Feed(cp)
		}
		if err != nil {
			c.Disconnected()
			return
		}
	}
}

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	logPath := flag.String("log-file", "", "rotate logs through this path instead of stderr")
	debug := flag.Bool("debug", false, "debug-level logging")
	flag.Parse()

	logger, err := enginelog.New(enginelog.Config{FilePath: *logPath, Console: *logPath == "", Debug: *debug})
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}
	defer logger.Sync()

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Fatal("listen failed", zap.Error(err))
	}
	logger.Info("listening", zap.String("addr", *addr))

	for {
		conn, err := ln.Accept()
		if err != nil {
			logger.Warn("accept failed", zap.Error(err))
			continue
		}
		go serveConn(conn, logger)
	}
}
