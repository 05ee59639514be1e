package testing

import (
	"bufio"
	"crypto/tls"
	"errors"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// Handler answers one command received after the TLS upgrade. Returning nil
// drops the connection.
type Handler func(cmd string) []byte

// Lines joins lines with CRLF endings.
func Lines(lines ...string) []byte {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteString("\r\n")
	}
	return []byte(b.String())
}

// Server is a scripted protocol server listening on loopback.
type Server struct {
	handler Handler
	tls     *tls.Config
	ln      net.Listener

	mu            sync.Mutex
	banner        string
	startTLSReply string
	commands      []string
	accepted      int
	conns         []net.Conn
	wg            sync.WaitGroup
}

// NewServer starts a server that greets with banner and serves handler. The
// banner's second token is the protocol version. It stops on test cleanup.
func NewServer(t *testing.T, pki *PKI, banner string, handler Handler) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &Server{
		banner:        banner,
		startTLSReply: "220 Ready to start TLS",
		handler:       handler,
		tls:           pki.ServerConfig(),
		ln:            ln,
	}
	s.wg.Add(1)
	go s.accept()
	t.Cleanup(s.Close)
	return s
}

// Addr returns host:port.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// SetStartTLSReply changes the answer to STARTTLS for later connections.
func (s *Server) SetStartTLSReply(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startTLSReply = line
}

// Commands returns every command received after TLS, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Accepted returns the number of accepted connections.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Close stops accepting and drops open connections.
func (s *Server) Close() {
	_ = s.ln.Close()
	s.mu.Lock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.accepted++
		s.conns = append(s.conns, c)
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer c.Close()
			_ = s.serve(c)
		}()
	}
}

func (s *Server) serve(c net.Conn) error {
	s.mu.Lock()
	banner, reply := s.banner, s.startTLSReply
	s.mu.Unlock()

	plain := textproto.NewConn(c)
	if err := plain.PrintfLine("%s", banner); err != nil {
		return err
	}
	line, err := plain.ReadLine()
	if err != nil {
		return err
	}
	if !strings.HasPrefix(line, "STARTTLS") {
		return errors.New("expected STARTTLS, got " + line)
	}
	if err := plain.PrintfLine("%s", reply); err != nil {
		return err
	}
	if !strings.HasPrefix(reply, "2") {
		return nil
	}

	tc := tls.Server(c, s.tls)
	if err := tc.Handshake(); err != nil {
		return err
	}
	w := bufio.NewWriter(tc)
	r := textproto.NewReader(bufio.NewReader(tc))
	if line == "STARTTLS 2" {
		_, _ = w.Write(Lines("220 2 TLS established"))
		if err := w.Flush(); err != nil {
			return err
		}
	}

	for {
		cmd, err := r.ReadLine()
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		s.mu.Unlock()

		out := s.handler(cmd)
		if out == nil {
			return nil
		}
		if _, err := w.Write(out); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
}
