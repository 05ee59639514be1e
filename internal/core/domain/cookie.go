package domain

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	cerrors "github.com/sufield/cosign/internal/core/errors"
)

// DefaultNonceBytes is the number of random bytes in a service cookie nonce.
const DefaultNonceBytes = 120

// cookieDivider separates the nonce from its timestamp. Base64 output may
// itself contain the divider, so parsing splits on the last occurrence.
const cookieDivider = "/"

// ServiceCookie is the random, timestamped token handed to the browser for a
// protected service.
type ServiceCookie struct {
	Nonce     string
	Timestamp time.Time
}

// String returns the wire form nonce/epoch-millis.
func (c ServiceCookie) String() string {
	return c.Nonce + cookieDivider + strconv.FormatInt(c.Timestamp.UnixMilli(), 10)
}

// AgeAt returns how old the cookie is at the given time.
func (c ServiceCookie) AgeAt(now time.Time) time.Duration {
	return now.Sub(c.Timestamp)
}

// IsExpiredAt reports whether the cookie is at least maxAge old.
func (c ServiceCookie) IsExpiredAt(now time.Time, maxAge time.Duration) bool {
	return c.AgeAt(now) >= maxAge
}

// CookieCodec generates and parses service cookies with a fixed nonce length.
type CookieCodec struct {
	nonceBytes int
}

// NewCookieCodec returns a codec for nonces of n bytes. Non-positive n selects
// DefaultNonceBytes.
func NewCookieCodec(n int) CookieCodec {
	if n <= 0 {
		n = DefaultNonceBytes
	}
	return CookieCodec{nonceBytes: n}
}

// NonceBytes returns the decoded nonce length this codec accepts.
func (c CookieCodec) NonceBytes() int {
	return c.nonceBytes
}

// Generate creates a cookie stamped with the current time.
func (c CookieCodec) Generate() (ServiceCookie, error) {
	return c.GenerateAt(time.Now())
}

// GenerateAt creates a cookie stamped with now, truncated to milliseconds so
// that it survives a round trip through its wire form.
func (c CookieCodec) GenerateAt(now time.Time) (ServiceCookie, error) {
	buf := make([]byte, c.nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return ServiceCookie{}, fmt.Errorf("failed to read random nonce: %w", err)
	}
	return ServiceCookie{
		Nonce:     base64.StdEncoding.EncodeToString(buf),
		Timestamp: time.UnixMilli(now.UnixMilli()),
	}, nil
}

// Parse decodes a wire-form cookie. Any defect yields ErrMalformedCookie.
func (c CookieCodec) Parse(raw string) (ServiceCookie, error) {
	idx := strings.LastIndex(raw, cookieDivider)
	if idx < 0 {
		return ServiceCookie{}, cerrors.NewDomainError(cerrors.ErrMalformedCookie,
			fmt.Errorf("missing %q divider", cookieDivider))
	}
	nonce, stamp := raw[:idx], raw[idx+1:]

	decoded, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return ServiceCookie{}, cerrors.NewDomainError(cerrors.ErrMalformedCookie,
			fmt.Errorf("nonce is not base64: %w", err))
	}
	if len(decoded) != c.nonceBytes {
		return ServiceCookie{}, cerrors.NewDomainError(cerrors.ErrMalformedCookie,
			fmt.Errorf("nonce is %d bytes, want %d", len(decoded), c.nonceBytes))
	}

	millis, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return ServiceCookie{}, cerrors.NewDomainError(cerrors.ErrMalformedCookie,
			fmt.Errorf("timestamp %q is not an integer", stamp))
	}

	return ServiceCookie{Nonce: nonce, Timestamp: time.UnixMilli(millis)}, nil
}
