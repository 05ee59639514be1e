package services_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/sufield/cosign/internal/core/errors"
	"github.com/sufield/cosign/internal/core/services"
)

const authLine = "231 10.1.1.1 alice UMICH.EDU"

func TestConnectionGroup_FailsOnlyWhenEveryAddressFails(t *testing.T) {
	d := newFakeDialer()
	d.refuse("a:6663")
	d.refuse("b:6663")

	_, err := services.NewConnectionGroup(context.Background(), "weblogin", []string{"a:6663", "b:6663"}, d, services.GroupOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, cerrors.ErrConnectionInit)

	d.answer("b:6663", authLine)
	g, err := services.NewConnectionGroup(context.Background(), "weblogin", []string{"a:6663", "b:6663"}, d, services.GroupOptions{Generation: 4})
	require.NoError(t, err)
	assert.Equal(t, 1, g.LiveCount())
	assert.Equal(t, []string{"a:6663"}, g.Quarantined())
	assert.Equal(t, uint64(4), g.Generation())
	assert.NotEmpty(t, g.ID())
}

func TestConnectionGroup_FailoverToLastConnection(t *testing.T) {
	d := newFakeDialer()
	d.set("a:1", func() (*fakeConn, error) { return &fakeConn{addr: "a:1", err: errIO}, nil })
	d.set("b:1", func() (*fakeConn, error) { return &fakeConn{addr: "b:1", line: "531 server not ready"}, nil })
	d.set("c:1", func() (*fakeConn, error) { return &fakeConn{addr: "c:1", line: "garbage"}, nil })
	d.answer("d:1", "430 not logged in")

	g, err := services.NewConnectionGroup(context.Background(), "weblogin", []string{"a:1", "b:1", "c:1", "d:1"}, d, services.GroupOptions{})
	require.NoError(t, err)

	line, ok := g.CheckCookie(context.Background(), "cosign-web", "nonce")
	require.True(t, ok)
	assert.Equal(t, "430 not logged in", line)
	assert.Equal(t, 1, g.LiveCount())
	assert.ElementsMatch(t, []string{"a:1", "b:1", "c:1"}, g.Quarantined())

	for _, c := range d.allConns() {
		if c.addr != "d:1" {
			assert.True(t, c.closed(), "%s should be closed", c.addr)
		}
	}
}

func TestConnectionGroup_LazyReconnect(t *testing.T) {
	d := newFakeDialer()
	d.set("a:1", func() (*fakeConn, error) { return &fakeConn{addr: "a:1", err: errIO}, nil })
	d.refuse("b:1")

	g, err := services.NewConnectionGroup(context.Background(), "weblogin", []string{"a:1", "b:1"}, d, services.GroupOptions{})
	require.NoError(t, err)

	// b comes back while a is failing.
	d.answer("b:1", authLine)

	line, ok := g.CheckCookie(context.Background(), "cosign-web", "nonce")
	require.True(t, ok)
	assert.Equal(t, authLine, line)
	assert.Equal(t, 2, d.dialCount("b:1"))
	assert.Equal(t, 1, g.LiveCount())
}

func TestConnectionGroup_GivesUpAfterOneRedialEach(t *testing.T) {
	d := newFakeDialer()
	d.set("a:1", func() (*fakeConn, error) { return &fakeConn{addr: "a:1", line: "520 retry"}, nil })
	d.set("b:1", func() (*fakeConn, error) { return &fakeConn{addr: "b:1", err: errIO}, nil })

	g, err := services.NewConnectionGroup(context.Background(), "weblogin", []string{"a:1", "b:1"}, d, services.GroupOptions{})
	require.NoError(t, err)

	_, ok := g.CheckCookie(context.Background(), "cosign-web", "nonce")
	assert.False(t, ok)
	assert.Equal(t, 2, d.dialCount("a:1"))
	assert.Equal(t, 2, d.dialCount("b:1"))
	assert.Equal(t, 0, g.LiveCount())
	assert.ElementsMatch(t, []string{"a:1", "b:1"}, g.Quarantined())
}

func TestConnectionGroup_AreConnectionsValid(t *testing.T) {
	d := newFakeDialer()
	d.answer("a:1", authLine)
	d.set("b:1", func() (*fakeConn, error) { return &fakeConn{addr: "b:1", noopOK: false}, nil })

	g, err := services.NewConnectionGroup(context.Background(), "weblogin", []string{"a:1", "b:1"}, d, services.GroupOptions{})
	require.NoError(t, err)

	assert.True(t, g.AreConnectionsValid(context.Background()))
	assert.Equal(t, []string{"b:1"}, g.Quarantined())

	require.NoError(t, g.Close())
	require.NoError(t, g.Close())
	assert.True(t, g.IsClosed())
	assert.False(t, g.AreConnectionsValid(context.Background()))
	for _, c := range d.allConns() {
		assert.Equal(t, int32(1), c.closeCalled.Load(), c.addr)
	}
}

func TestConnectionGroup_SecondaryRetrieval(t *testing.T) {
	d := newFakeDialer()
	d.set("v1:1", func() (*fakeConn, error) { return &fakeConn{addr: "v1:1", version: 1, noopOK: true}, nil })

	g, err := services.NewConnectionGroup(context.Background(), "weblogin", []string{"v1:1"}, d, services.GroupOptions{})
	require.NoError(t, err)
	_, err = g.RetrieveTicket(context.Background(), "cosign-web", "nonce")
	assert.ErrorIs(t, err, services.ErrNoSecondarySupport)

	d.set("v2:1", func() (*fakeConn, error) {
		return &fakeConn{addr: "v2:1", version: 2, ticket: []byte("ccache"), proxyErr: services.ErrRetrievalRefused}, nil
	})
	g2, err := services.NewConnectionGroup(context.Background(), "weblogin", []string{"v2:1"}, d, services.GroupOptions{})
	require.NoError(t, err)

	ticket, err := g2.RetrieveTicket(context.Background(), "cosign-web", "nonce")
	require.NoError(t, err)
	assert.Equal(t, []byte("ccache"), ticket)

	_, err = g2.RetrieveProxyCookies(context.Background(), "cosign-web", "nonce")
	assert.ErrorIs(t, err, services.ErrRetrievalRefused)
	assert.Equal(t, 1, g2.LiveCount(), "a refusal keeps the connection")
	assert.Equal(t, float64(2), g2.ProtocolVersion())
}
