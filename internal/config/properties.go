package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Property names as they appear in the configuration document.
const (
	KeyStorePath                     = "KeyStorePath"
	KeyStorePassword                 = "KeyStorePassword"
	TrustStorePath                   = "TrustStorePath"
	CosignServerHost                 = "CosignServerHost"
	CosignServerPort                 = "CosignServerPort"
	ConnectionPoolSize               = "ConnectionPoolSize"
	PoolExhaustionPolicy             = "PoolExhaustionPolicy"
	PoolMaxWaitMillis                = "PoolMaxWaitMillis"
	SocketTimeoutMillis              = "SocketTimeoutMillis"
	CosignServerHostIPCheck          = "CosignServerHostIpCheck"
	ServiceName                      = "ServiceName"
	CookieNonceBytes                 = "CookieNonceBytes"
	CookieExpireSecs                 = "CookieExpireSecs"
	CookieCacheExpireSecs            = "CookieCacheExpireSecs"
	CheckClientIP                    = "CheckClientIP"
	CosignFactorSuffix               = "CosignFactorSuffix"
	CosignFactorSuffixIgnore         = "CosignFactorSuffixIgnore"
	LoginRedirectURL                 = "LoginRedirectUrl"
	LoginPostErrorURL                = "LoginPostErrorUrl"
	LoginSiteEntryURL                = "LoginSiteEntryUrl"
	ValidationErrorRedirect          = "ValidationErrorRedirect"
	RedirectRegex                    = "RedirectRegex"
	LocationHandlerRef               = "LocationHandlerRef"
	LocationHandler                  = "LocationHandler"
	AllowPublicAccess                = "AllowPublicAccess"
	HTTPSOnly                        = "HttpsOnly"
	HTTPSPort                        = "HttpsPort"
	ClearSessionOnLogin              = "ClearSessionOnLogin"
	KerberosGetTickets               = "KerberosGetTickets"
	KerberosTicketCacheDirectory     = "KerberosTicketCachDirectory"
	KerberosKrb5Conf                 = "KerberosKrb5Conf"
	KerberosKrb5Debug                = "KerberosKrb5Debug"
	CosignGetProxies                 = "CosignGetProxies"
	SessionStore                     = "SessionStore"
	RedisAddr                        = "RedisAddr"
	ConfigFileMonitoringIntervalSecs = "ConfigFileMonitoringIntervalSecs"
)

type propKind int

const (
	kindString propKind = iota
	kindBool
	kindInt
)

func (k propKind) String() string {
	switch k {
	case kindBool:
		return "bool"
	case kindInt:
		return "int"
	default:
		return "string"
	}
}

// property declares one typed configuration value. A property without a
// default is required.
type property struct {
	name     string
	kind     propKind
	required bool
	def      any
	min, max int
}

func str(name string, def string) property { return property{name: name, kind: kindString, def: def} }
func reqStr(name string) property          { return property{name: name, kind: kindString, required: true} }
func boolean(name string, def bool) property {
	return property{name: name, kind: kindBool, def: def}
}
func integer(name string, def, lo, hi int) property {
	return property{name: name, kind: kindInt, def: def, min: lo, max: hi}
}

// properties is every property the store understands.
var properties = []property{
	reqStr(KeyStorePath),
	reqStr(KeyStorePassword),
	str(TrustStorePath, ""),
	reqStr(CosignServerHost),
	integer(CosignServerPort, 6663, 0, 65535),
	integer(ConnectionPoolSize, 20, 0, math.MaxInt32),
	str(PoolExhaustionPolicy, "grow"),
	integer(PoolMaxWaitMillis, 5000, 0, math.MaxInt32),
	integer(SocketTimeoutMillis, 10000, 100, math.MaxInt32),
	integer(CosignServerHostIPCheck, 60000, 1000, math.MaxInt32),
	str(ServiceName, ""),
	integer(CookieNonceBytes, 120, 16, 1024),
	integer(CookieExpireSecs, 86400, 0, math.MaxInt32),
	integer(CookieCacheExpireSecs, 120, 0, math.MaxInt32),
	boolean(CheckClientIP, false),
	str(CosignFactorSuffix, ""),
	boolean(CosignFactorSuffixIgnore, false),
	reqStr(LoginRedirectURL),
	reqStr(LoginPostErrorURL),
	str(LoginSiteEntryURL, ""),
	str(ValidationErrorRedirect, ""),
	reqStr(RedirectRegex),
	reqStr(LocationHandlerRef),
	str(LocationHandler, "default"),
	boolean(AllowPublicAccess, false),
	boolean(HTTPSOnly, false),
	integer(HTTPSPort, 443, 0, 65535),
	boolean(ClearSessionOnLogin, false),
	boolean(KerberosGetTickets, false),
	str(KerberosTicketCacheDirectory, ""),
	str(KerberosKrb5Conf, ""),
	boolean(KerberosKrb5Debug, false),
	boolean(CosignGetProxies, false),
	str(SessionStore, "memory"),
	str(RedisAddr, ""),
	integer(ConfigFileMonitoringIntervalSecs, 30, 5, math.MaxInt32/1000),
}

var propertyIndex = func() map[string]property {
	m := make(map[string]property, len(properties))
	for _, p := range properties {
		m[strings.ToLower(p.name)] = p
	}
	return m
}()

// parseBool accepts 1/yes/true/on and 0/no/false/off in any case.
func parseBool(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "yes", "true", "on":
		return true, true
	case "0", "no", "false", "off":
		return false, true
	default:
		return false, false
	}
}

// parse converts raw into the property's type. present is false when the
// value is empty. fellBack is true when an unparsable or out-of-range value
// was replaced by the default.
func (p property) parse(raw string) (value any, present, fellBack bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return p.def, false, false
	}
	switch p.kind {
	case kindBool:
		b, ok := parseBool(raw)
		if !ok {
			return p.def, true, true
		}
		return b, true, false
	case kindInt:
		n, err := strconv.Atoi(raw)
		if err != nil || n < p.min || n > p.max {
			return p.def, true, true
		}
		return n, true, false
	default:
		return raw, true, false
	}
}

// values is a parsed property map.
type values map[string]any

func (v values) str(name string) string {
	s, _ := v[name].(string)
	return s
}

func (v values) boolean(name string) bool {
	b, _ := v[name].(bool)
	return b
}

func (v values) integer(name string) int {
	n, _ := v[name].(int)
	return n
}

// stringify renders a decoded YAML scalar for property parsing.
func stringify(raw any) string {
	switch t := raw.(type) {
	case nil:
		return ""
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, stringify(e))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(t)
	}
}
