package cosign_test

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sufield/cosign/internal/adapters/secondary/resolver"
	"github.com/sufield/cosign/internal/core/domain"
	cerrors "github.com/sufield/cosign/internal/core/errors"
	"github.com/sufield/cosign/internal/core/services"
	cosigntest "github.com/sufield/cosign/internal/testing"
	"github.com/sufield/cosign/pkg/cosign"
)

const banner = "220 2 Collaborative Web Single Sign-On [COSIGNv3 FACTORS=5 REKEY]"

func weblogin(cmd string) []byte {
	switch {
	case cmd == "NOOP":
		return cosigntest.Lines("250 Cosign NOOP")
	case strings.HasPrefix(cmd, "CHECK cosign-app=bad"):
		return cosigntest.Lines("430 CHECK: cookie not in db")
	case strings.HasPrefix(cmd, "CHECK "):
		return cosigntest.Lines("231 192.0.2.10 alice EXAMPLE.EDU password")
	case strings.HasPrefix(cmd, "RETR ") && strings.HasSuffix(cmd, " cookies"):
		return cosigntest.Lines(
			"241-cosign-wiki=abc/123 wiki.example.edu",
			"241 Cookies registered and sent",
		)
	default:
		return nil
	}
}

type fixture struct {
	srv    *cosigntest.Server
	path   string
	static resolver.Static
}

func newFixture(t *testing.T, extra string) *fixture {
	t.Helper()
	pki := cosigntest.NewPKI(t)
	srv := cosigntest.NewServer(t, pki, banner, weblogin)
	_, port, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)

	body := fmt.Sprintf(`
properties:
  KeyStorePath: %s
  KeyStorePassword: changeit
  TrustStorePath: %s
  CosignServerHost: %s
  CosignServerPort: %s
  LoginRedirectUrl: https://weblogin.example.edu/
  LoginPostErrorUrl: https://weblogin.example.edu/post_error.html
  RedirectRegex: https://app\.example\.edu/.*
  LocationHandlerRef: https://app.example.edu/cosign/valid
  ServiceName: cosign-app
%s
services:
  - name: cosign-app
    protected:
      - path: /reports*
        getproxies: true
`, pki.KeyStorePath, pki.CAPath, pki.ServerName, port, extra)

	path := filepath.Join(t.TempDir(), "cosign.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return &fixture{
		srv:    srv,
		path:   path,
		static: resolver.Static{pki.ServerName: {"127.0.0.1"}},
	}
}

func (f *fixture) client(t *testing.T, opts cosign.Options) *cosign.Client {
	t.Helper()
	opts.ConfigPath = f.path
	if opts.Resolver == nil {
		opts.Resolver = f.static
	}
	c, err := cosign.New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func freshCookie(t *testing.T) domain.ServiceCookie {
	t.Helper()
	c, err := domain.NewCookieCodec(0).Generate()
	require.NoError(t, err)
	return c
}

func countChecks(cmds []string) int {
	n := 0
	for _, c := range cmds {
		if strings.HasPrefix(c, "CHECK ") {
			n++
		}
	}
	return n
}

func TestClient_ReloadChangesDialTimeout(t *testing.T) {
	f := newFixture(t, "  SocketTimeoutMillis: 4000")
	c := f.client(t, cosign.Options{})
	ctx := context.Background()
	assert.Equal(t, 4*time.Second, c.DialTimeout())

	body, err := os.ReadFile(f.path)
	require.NoError(t, err)
	updated := strings.Replace(string(body), "SocketTimeoutMillis: 4000", "SocketTimeoutMillis: 1500", 1)
	require.NoError(t, os.WriteFile(f.path, []byte(updated), 0o600))
	require.NoError(t, c.Reload(ctx))

	assert.Equal(t, 1500*time.Millisecond, c.DialTimeout())
	assert.Equal(t, []string{"weblogin.test"}, c.Servers())

	out := c.Authenticate(ctx, services.AttemptRequest{Address: "192.0.2.10", Path: "/", Cookie: freshCookie(t).String()})
	require.True(t, out.Authenticated(), "failure: %v", out.Failure)
}

func TestNew_RequiresConfigPath(t *testing.T) {
	_, err := cosign.New(context.Background(), cosign.Options{})
	require.Error(t, err)
}

func TestClient_Authenticate(t *testing.T) {
	f := newFixture(t, "")
	c := f.client(t, cosign.Options{})
	cookie := freshCookie(t).String()
	ctx := context.Background()

	out := c.Authenticate(ctx, services.AttemptRequest{Address: "192.0.2.10", Path: "/index.html", Cookie: cookie})
	require.True(t, out.Authenticated(), "failure: %v", out.Failure)
	assert.Equal(t, "alice", out.Identity.Name)
	assert.Equal(t, "EXAMPLE.EDU", out.Identity.Realm)
	assert.Equal(t, []string{"password"}, out.Identity.Factors)
	assert.False(t, out.Cached)
	assert.Equal(t, "cosign-app", out.Service)

	again := c.Authenticate(ctx, services.AttemptRequest{Address: "192.0.2.10", Path: "/index.html", Cookie: cookie})
	require.True(t, again.Authenticated())
	assert.True(t, again.Cached)
	assert.Equal(t, 1, countChecks(f.srv.Commands()))

	assert.Equal(t, []string{"weblogin.test"}, c.Servers())
	stats := c.PoolStats()
	require.Len(t, stats, 1)
	assert.True(t, stats[0].Available)
	assert.Equal(t, []string{"127.0.0.1"}, stats[0].Addresses)
}

func TestAttemptHandle_OutcomeComputedOnce(t *testing.T) {
	f := newFixture(t, "")
	c := f.client(t, cosign.Options{})

	h := c.BeginAttempt(services.AttemptRequest{
		Address:    "192.0.2.10",
		Path:       "/index.html",
		Cookie:     freshCookie(t).String(),
		SessionKey: "session-1",
	})
	assert.Zero(t, countChecks(f.srv.Commands()), "BeginAttempt must not talk to the server")

	first := h.Outcome(context.Background())
	second := h.Outcome(context.Background())
	require.True(t, first.Authenticated())
	assert.Same(t, first.Identity, second.Identity)
	assert.Equal(t, 1, countChecks(f.srv.Commands()))
}

func TestClient_ProxyCookiesForRule(t *testing.T) {
	f := newFixture(t, "")
	c := f.client(t, cosign.Options{})

	out := c.Authenticate(context.Background(), services.AttemptRequest{
		Address: "192.0.2.10",
		Path:    "/reports/2024",
		Cookie:  freshCookie(t).String(),
	})
	require.True(t, out.Authenticated(), "failure: %v", out.Failure)
	require.NotNil(t, out.Rule)
	require.Len(t, out.Identity.ProxyCookies, 1)
	assert.Equal(t, "cosign-wiki", out.Identity.ProxyCookies[0].Name)
}

func TestClient_Failures(t *testing.T) {
	f := newFixture(t, "")
	c := f.client(t, cosign.Options{})
	ctx := context.Background()

	t.Run("no cookie", func(t *testing.T) {
		out := c.Authenticate(ctx, services.AttemptRequest{Address: "192.0.2.10", Path: "/"})
		require.NotNil(t, out.Failure)
		assert.Equal(t, cerrors.FailureNoCookie, out.Failure.Kind)
		assert.False(t, out.Unavailable())
		assert.NotEmpty(t, out.NewCookie)
	})

	t.Run("rejected by server", func(t *testing.T) {
		cookie := freshCookie(t)
		cookie.Nonce = "bad" + cookie.Nonce[3:]
		out := c.Authenticate(ctx, services.AttemptRequest{Address: "192.0.2.10", Path: "/", Cookie: cookie.String()})
		require.NotNil(t, out.Failure)
		assert.Equal(t, cerrors.FailureNotAuthenticated, out.Failure.Kind)
		assert.NotEmpty(t, out.NewCookie)
	})
}

func TestClient_InvalidConfigFailsClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	c, err := cosign.New(context.Background(), cosign.Options{ConfigPath: path, Resolver: resolver.Static{}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.Settings()
	require.ErrorIs(t, err, cerrors.ErrConfigInvalid)

	out := c.Authenticate(context.Background(), services.AttemptRequest{Path: "/", Cookie: freshCookie(t).String()})
	require.NotNil(t, out.Failure)
	assert.Equal(t, cerrors.FailureConfigInvalid, out.Failure.Kind)
	assert.True(t, out.Unavailable())
	assert.Empty(t, out.NewCookie)

	_, err = c.HandleLocation(context.Background(), "cosign-app=abc&https://app.example.edu/")
	require.ErrorIs(t, err, cerrors.ErrConfigInvalid)
}

func TestClient_HandleLocation(t *testing.T) {
	f := newFixture(t, "")
	c := f.client(t, cosign.Options{})
	nonce := freshCookie(t).Nonce
	ctx := context.Background()

	res, err := c.HandleLocation(ctx, "cosign-app="+nonce+"&https://app.example.edu/reports/2024")
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.edu/reports/2024", res.Redirect)
	require.NotNil(t, res.Cookie)
	assert.Equal(t, "cosign-app", res.Cookie.Name)
	assert.True(t, strings.HasPrefix(res.Cookie.Value, nonce+"/"))

	_, err = c.HandleLocation(ctx, "cosign-app="+nonce+"&https://evil.example.com/")
	require.ErrorIs(t, err, services.ErrRedirectRejected)

	_, err = c.HandleLocation(ctx, "no-separator")
	require.Error(t, err)
}

type fixedLocation struct{}

func (fixedLocation) Handle(context.Context, services.LocationRequest) (services.LocationResult, error) {
	return services.LocationResult{Redirect: "https://app.example.edu/fixed"}, nil
}

func TestClient_CustomLocationHandler(t *testing.T) {
	f := newFixture(t, "  LocationHandler: fixed")
	c := f.client(t, cosign.Options{
		Locations: map[string]services.LocationHandlerFactory{
			"fixed": func(services.LocationDeps) services.LocationHandler { return fixedLocation{} },
		},
	})

	res, err := c.HandleLocation(context.Background(), "cosign-app=abc&https://elsewhere/")
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.edu/fixed", res.Redirect)
	assert.Zero(t, countChecks(f.srv.Commands()))
}

func TestClient_Metrics(t *testing.T) {
	f := newFixture(t, "")
	reg := prometheus.NewRegistry()
	c := f.client(t, cosign.Options{Registerer: reg})

	c.Authenticate(context.Background(), services.AttemptRequest{Path: "/", Cookie: freshCookie(t).String()})

	n, err := testutil.GatherAndCount(reg, "cosign_auth_attempts_total", "cosign_config_reloads_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestClient_RedisSessions(t *testing.T) {
	mr := miniredis.RunT(t)
	f := newFixture(t, "  SessionStore: redis\n  RedisAddr: "+mr.Addr())
	c := f.client(t, cosign.Options{})

	out := c.Authenticate(context.Background(), services.AttemptRequest{
		Address:    "192.0.2.10",
		Path:       "/",
		Cookie:     freshCookie(t).String(),
		SessionKey: "session-7",
	})
	require.True(t, out.Authenticated(), "failure: %v", out.Failure)
	assert.True(t, mr.Exists("cosign:session:session-7"))
	assert.Positive(t, mr.TTL("cosign:session:session-7"))
}

func TestClient_StartClose(t *testing.T) {
	f := newFixture(t, "")
	c := f.client(t, cosign.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	c.Start(ctx)

	require.NoError(t, c.Reload(ctx))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	out := c.Authenticate(context.Background(), services.AttemptRequest{Path: "/", Cookie: freshCookie(t).String()})
	require.NotNil(t, out.Failure)
	assert.Equal(t, cerrors.FailureNoServers, out.Failure.Kind)
	assert.True(t, out.Unavailable())
}

func TestClient_LoginRedirect(t *testing.T) {
	f := newFixture(t, "  HttpsOnly: true\n  HttpsPort: 8443")
	c := f.client(t, cosign.Options{})

	out := c.Authenticate(context.Background(), services.AttemptRequest{Path: "/"})
	require.NotEmpty(t, out.NewCookie)

	got, err := c.LoginRedirect(out, "http://app.example.edu:8080/secure/page?x=1")
	require.NoError(t, err)
	nonce := out.NewCookie[:strings.LastIndex(out.NewCookie, "/")]
	assert.Equal(t, "https://weblogin.example.edu/?cosign-app="+nonce+"&https://app.example.edu:8443/secure/page?x=1", got)

	_, err = c.LoginRedirect(services.Outcome{}, "http://app.example.edu/")
	require.ErrorIs(t, err, cosign.ErrNoCookie)
}

func TestClient_LoginRedirectSiteEntry(t *testing.T) {
	f := newFixture(t, "  LoginSiteEntryUrl: https://app.example.edu/welcome")
	c := f.client(t, cosign.Options{})

	out := c.Authenticate(context.Background(), services.AttemptRequest{Path: "/"})
	got, err := c.LoginRedirect(out, "http://ignored/")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(got, "&https://app.example.edu/welcome"))
	assert.True(t, strings.HasPrefix(got, "https://weblogin.example.edu/?cosign-app="))
}
