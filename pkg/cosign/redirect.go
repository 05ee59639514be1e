package cosign

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/sufield/cosign/internal/core/domain"
	"github.com/sufield/cosign/internal/core/services"
)

// ErrNoCookie is returned by LoginRedirect for outcomes that carry no fresh
// service cookie: successes and infrastructure failures.
var ErrNoCookie = errors.New("cosign: outcome has no service cookie")

// LoginRedirect builds the login server URL for a failed attempt:
// LoginRedirectUrl?<service>=<nonce>&<destination>. The destination is
// LoginSiteEntryUrl when set, otherwise requestURL; with HttpsOnly it is
// moved to https on HttpsPort.
func (c *Client) LoginRedirect(out services.Outcome, requestURL string) (string, error) {
	if out.NewCookie == "" {
		return "", ErrNoCookie
	}
	s, err := c.store.Settings()
	if err != nil {
		return "", err
	}
	cookie, err := domain.NewCookieCodec(s.NonceBytes).Parse(out.NewCookie)
	if err != nil {
		return "", err
	}

	dest := s.LoginSiteEntryURL
	if dest == "" {
		dest = requestURL
		if s.HTTPSOnly {
			if dest, err = forceHTTPS(requestURL, s.HTTPSPort); err != nil {
				return "", err
			}
		}
	}
	return s.LoginRedirectURL + "?" + out.Service + "=" + cookie.Nonce + "&" + dest, nil
}

func forceHTTPS(raw string, port int) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("cosign: request url: %w", err)
	}
	if strings.EqualFold(u.Scheme, "https") {
		return raw, nil
	}
	u.Scheme = "https"
	host := u.Hostname()
	if port > 0 && port != 443 {
		u.Host = net.JoinHostPort(host, strconv.Itoa(port))
	} else if strings.Contains(host, ":") {
		u.Host = "[" + host + "]"
	} else {
		u.Host = host
	}
	return u.String(), nil
}
