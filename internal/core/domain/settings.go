package domain

import (
	"strings"
	"time"
)

// ExhaustionPolicy selects what a pool does when every group is borrowed.
type ExhaustionPolicy string

const (
	ExhaustBlock ExhaustionPolicy = "block"
	ExhaustFail  ExhaustionPolicy = "fail"
	ExhaustGrow  ExhaustionPolicy = "grow"
)

// Pool maintenance defaults.
const (
	DefaultMinEvictableIdle    = 30 * time.Minute
	DefaultEvictionInterval    = 10 * time.Minute
	DefaultTestsPerEvictionRun = 3
	DefaultSocketTimeout       = 10 * time.Second
)

// ServerEndpoint is one configured authentication server before DNS
// resolution.
type ServerEndpoint struct {
	Host             string
	Port             int
	PoolSize         int
	Policy           ExhaustionPolicy
	MinEvictableIdle time.Duration
	EvictionInterval time.Duration
	TestsPerRun      int
	ResolveInterval  time.Duration
	MaxWait          time.Duration
}

// Key identifies the endpoint in a load balancer rotation.
func (e ServerEndpoint) Key() string {
	return strings.ToLower(e.Host)
}

// Settings is an immutable, typed view of one configuration generation.
type Settings struct {
	Generation uint64

	KeyStorePath     string
	KeyStorePassword string
	TrustStorePath   string

	ServerHosts      []string
	ServerPort       int
	PoolSize         int
	ExhaustionPolicy ExhaustionPolicy
	PoolMaxWait      time.Duration
	ResolveInterval  time.Duration
	SocketTimeout    time.Duration

	ServiceName   ServiceName
	NonceBytes    int
	CookieExpire  time.Duration
	CacheExpire   time.Duration
	CheckClientIP bool
	Factors       FactorPolicy

	LoginRedirectURL        string
	LoginPostErrorURL       string
	LoginSiteEntryURL       string
	ValidationErrorRedirect string
	RedirectRegex           string
	LocationHandlerRef      string
	LocationHandler         string
	AllowPublicAccess       bool
	HTTPSOnly               bool
	HTTPSPort               int
	ClearSessionOnLogin     bool

	KerberosGetTickets bool
	TicketCacheDir     string
	Krb5Conf           string
	Krb5Debug          bool
	GetProxies         bool

	SessionStore string
	RedisAddr    string

	MonitorInterval time.Duration

	Rules *RuleTable
}

// Endpoints expands the configured hosts into one endpoint each.
func (s *Settings) Endpoints() []ServerEndpoint {
	out := make([]ServerEndpoint, 0, len(s.ServerHosts))
	for _, h := range s.ServerHosts {
		out = append(out, ServerEndpoint{
			Host:             h,
			Port:             s.ServerPort,
			PoolSize:         s.PoolSize,
			Policy:           s.ExhaustionPolicy,
			MinEvictableIdle: DefaultMinEvictableIdle,
			EvictionInterval: DefaultEvictionInterval,
			TestsPerRun:      DefaultTestsPerEvictionRun,
			ResolveInterval:  s.ResolveInterval,
			MaxWait:          s.PoolMaxWait,
		})
	}
	return out
}
