package protocol_test

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sufield/cosign/internal/adapters/secondary/protocol"
	"github.com/sufield/cosign/internal/adapters/secondary/tlsconfig"
	"github.com/sufield/cosign/internal/core/domain"
	cerrors "github.com/sufield/cosign/internal/core/errors"
	"github.com/sufield/cosign/internal/core/services"
	cosigntest "github.com/sufield/cosign/internal/testing"
)

const (
	bannerV1 = "220 Collaborative Web Single Sign-On"
	bannerV2 = "220 2 Collaborative Web Single Sign-On [COSIGNv3 FACTORS=5 REKEY]"
)

var ticketBytes = []byte("\x05\x04ccache\r\nwith a newline\x00")

func cosignd(cmd string) []byte {
	switch {
	case cmd == "NOOP":
		return cosigntest.Lines("250 Cosign NOOP")
	case strings.HasPrefix(cmd, "CHECK cosign-web=good"):
		return cosigntest.Lines("231 192.0.2.10 alice EXAMPLE.EDU password")
	case strings.HasPrefix(cmd, "CHECK "):
		return cosigntest.Lines("430 CHECK: cookie not in db")
	case strings.HasSuffix(cmd, " tgt") && strings.Contains(cmd, "=good"):
		out := cosigntest.Lines("240 Retrieving file", strconv.Itoa(len(ticketBytes)))
		out = append(out, ticketBytes...)
		return append(out, cosigntest.Lines(".")...)
	case strings.HasSuffix(cmd, " cookies") && strings.Contains(cmd, "=good"):
		return cosigntest.Lines(
			"241-cosign-wiki=abc/123 wiki.example.edu",
			"241-cosign-mail=def/456 mail.example.edu",
			"241 Cookies registered and sent",
		)
	case strings.HasPrefix(cmd, "RETR "):
		return cosigntest.Lines("441 RETR: cookie not in db")
	default:
		return nil
	}
}

func newDialer(t *testing.T, pki *cosigntest.PKI) *protocol.Dialer {
	t.Helper()
	holder := tlsconfig.NewHolder(nil)
	require.NoError(t, holder.Load(tlsconfig.Source{KeyStorePath: pki.KeyStorePath, TrustStorePath: pki.CAPath}))
	return protocol.NewDialer(protocol.DialerOptions{
		ServerName:    pki.ServerName,
		TLS:           holder,
		SocketTimeout: 2 * time.Second,
	})
}

func TestDial_VersionNegotiation(t *testing.T) {
	pki := cosigntest.NewPKI(t)
	d := newDialer(t, pki)

	tests := []struct {
		banner  string
		version float64
	}{
		{bannerV1, 1},
		{bannerV2, 2},
		{"220", 1},
		{"220 3.5 future", 3.5},
	}
	for _, tt := range tests {
		t.Run(tt.banner, func(t *testing.T) {
			srv := cosigntest.NewServer(t, pki, tt.banner, cosignd)
			conn, err := d.Dial(context.Background(), srv.Addr())
			require.NoError(t, err)
			defer conn.Close()

			assert.Equal(t, tt.version, conn.ProtocolVersion())
			assert.Equal(t, srv.Addr(), conn.Address())
			assert.True(t, conn.IsValid(context.Background()))
		})
	}
}

func TestDial_SocketTimeoutReadPerDial(t *testing.T) {
	pki := cosigntest.NewPKI(t)
	holder := tlsconfig.NewHolder(nil)
	require.NoError(t, holder.Load(tlsconfig.Source{KeyStorePath: pki.KeyStorePath, TrustStorePath: pki.CAPath}))

	var current time.Duration
	d := protocol.NewDialer(protocol.DialerOptions{
		ServerName:    pki.ServerName,
		TLS:           holder,
		SocketTimeout: 2 * time.Second,
		Timeouts:      func() time.Duration { return current },
	})
	srv := cosigntest.NewServer(t, pki, bannerV2, cosignd)

	dial := func() time.Duration {
		conn, err := d.Dial(context.Background(), srv.Addr())
		require.NoError(t, err)
		defer conn.Close()
		pc, ok := conn.(*protocol.Conn)
		require.True(t, ok)
		return pc.SocketTimeout()
	}

	assert.Equal(t, 2*time.Second, dial())
	current = 3 * time.Second
	assert.Equal(t, 3*time.Second, dial())
	current = 750 * time.Millisecond
	assert.Equal(t, 750*time.Millisecond, dial())
}

func TestConn_CheckCookie(t *testing.T) {
	pki := cosigntest.NewPKI(t)
	srv := cosigntest.NewServer(t, pki, bannerV2, cosignd)
	conn, err := newDialer(t, pki).Dial(context.Background(), srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	line, err := conn.CheckCookie(context.Background(), "cosign-web", "good")
	require.NoError(t, err)
	res, err := domain.ParseCheckResponse(line)
	require.NoError(t, err)
	assert.Equal(t, "alice", res.Name)
	assert.Equal(t, []string{"password"}, res.Factors)

	line, err = conn.CheckCookie(context.Background(), "cosign-web", "stale")
	require.NoError(t, err)
	assert.Equal(t, domain.ResponseNotAuthenticated, domain.ClassifyResponse(line))

	assert.Equal(t, []string{"CHECK cosign-web=good", "CHECK cosign-web=stale"}, srv.Commands())
}

func TestConn_RetrieveTicket(t *testing.T) {
	pki := cosigntest.NewPKI(t)
	srv := cosigntest.NewServer(t, pki, bannerV2, cosignd)
	conn, err := newDialer(t, pki).Dial(context.Background(), srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	ticket, err := conn.RetrieveTicket(context.Background(), "cosign-web", "good")
	require.NoError(t, err)
	assert.Equal(t, ticketBytes, ticket)

	// the stream stays in sync after the binary frame
	assert.True(t, conn.IsValid(context.Background()))

	_, err = conn.RetrieveTicket(context.Background(), "cosign-web", "stale")
	assert.ErrorIs(t, err, services.ErrRetrievalRefused)
}

func TestConn_RetrieveProxyCookies(t *testing.T) {
	pki := cosigntest.NewPKI(t)
	srv := cosigntest.NewServer(t, pki, bannerV2, cosignd)
	conn, err := newDialer(t, pki).Dial(context.Background(), srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	cookies, err := conn.RetrieveProxyCookies(context.Background(), "cosign-web", "good")
	require.NoError(t, err)
	assert.Equal(t, []domain.ProxyCredential{
		{Name: "cosign-wiki", Value: "abc/123", Host: "wiki.example.edu"},
		{Name: "cosign-mail", Value: "def/456", Host: "mail.example.edu"},
	}, cookies)

	_, err = conn.RetrieveProxyCookies(context.Background(), "cosign-web", "stale")
	assert.ErrorIs(t, err, services.ErrRetrievalRefused)
}

func TestConn_DroppedConnection(t *testing.T) {
	pki := cosigntest.NewPKI(t)
	srv := cosigntest.NewServer(t, pki, bannerV1, func(string) []byte { return nil })
	conn, err := newDialer(t, pki).Dial(context.Background(), srv.Addr())
	require.NoError(t, err)

	_, err = conn.CheckCookie(context.Background(), "cosign-web", "good")
	assert.Error(t, err)
	assert.False(t, conn.IsValid(context.Background()))

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	_, err = conn.CheckCookie(context.Background(), "cosign-web", "good")
	assert.ErrorIs(t, err, protocol.ErrClosed)
}

func TestDial_Failures(t *testing.T) {
	pki := cosigntest.NewPKI(t)

	t.Run("refused starttls", func(t *testing.T) {
		srv := cosigntest.NewServer(t, pki, bannerV2, cosignd)
		srv.SetStartTLSReply("502 TLS unavailable")
		_, err := newDialer(t, pki).Dial(context.Background(), srv.Addr())
		assert.ErrorIs(t, err, cerrors.ErrConnectionInit)
	})

	t.Run("wrong server name", func(t *testing.T) {
		srv := cosigntest.NewServer(t, pki, bannerV2, cosignd)
		holder := tlsconfig.NewHolder(nil)
		require.NoError(t, holder.Load(tlsconfig.Source{KeyStorePath: pki.KeyStorePath, TrustStorePath: pki.CAPath}))
		d := protocol.NewDialer(protocol.DialerOptions{ServerName: "other.example.edu", TLS: holder})
		_, err := d.Dial(context.Background(), srv.Addr())
		assert.ErrorIs(t, err, cerrors.ErrConnectionInit)
	})

	t.Run("untrusted server", func(t *testing.T) {
		srv := cosigntest.NewServer(t, pki, bannerV2, cosignd)
		other := cosigntest.NewPKI(t)
		_, err := newDialer(t, other).Dial(context.Background(), srv.Addr())
		assert.ErrorIs(t, err, cerrors.ErrConnectionInit)
	})

	t.Run("nothing listening", func(t *testing.T) {
		srv := cosigntest.NewServer(t, pki, bannerV2, cosignd)
		addr := srv.Addr()
		srv.Close()
		_, err := newDialer(t, pki).Dial(context.Background(), addr)
		assert.ErrorIs(t, err, cerrors.ErrConnectionInit)
	})

	t.Run("no tls material", func(t *testing.T) {
		srv := cosigntest.NewServer(t, pki, bannerV2, cosignd)
		d := protocol.NewDialer(protocol.DialerOptions{ServerName: pki.ServerName, TLS: tlsconfig.NewHolder(nil)})
		_, err := d.Dial(context.Background(), srv.Addr())
		assert.ErrorIs(t, err, tlsconfig.ErrNotLoaded)
	})
}
