package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/thejerf/abtime"

	"github.com/sufield/cosign/internal/core/domain"
	cerrors "github.com/sufield/cosign/internal/core/errors"
	"github.com/sufield/cosign/internal/core/ports"
)

// AttemptRequest is everything the engine needs from an incoming request.
type AttemptRequest struct {
	// Address is the client's IP address.
	Address string
	Path    string
	// Resource is the last path segment. When empty it is split off Path.
	Resource string
	Query    string
	// Cookie is the raw service cookie value, empty if the browser sent none.
	Cookie string
	// SessionKey selects the stored identity. Defaults to Cookie.
	SessionKey string
}

func (r AttemptRequest) sessionKey() string {
	if r.SessionKey != "" {
		return r.SessionKey
	}
	return r.Cookie
}

// Outcome is the result of one authentication attempt. Exactly one of
// Identity and Failure is set.
type Outcome struct {
	Identity *domain.Identity
	Failure  *cerrors.FailureReason
	// Cached is true when the identity was served without a server round trip.
	Cached bool
	// NewCookie is a fresh service cookie to set before redirecting to the
	// login server. Empty for infrastructure failures.
	NewCookie string
	// PublicAccess allows the caller to serve the request anonymously.
	PublicAccess bool
	Rule         *domain.ServiceRule
	Service      string
}

// Authenticated reports whether the attempt produced an identity.
func (o Outcome) Authenticated() bool {
	return o.Identity != nil && o.Failure == nil
}

// Unavailable reports whether the attempt failed for infrastructure reasons.
func (o Outcome) Unavailable() bool {
	return o.Failure != nil && o.Failure.Kind.Unavailable()
}

type attemptState int

const (
	stateStart attemptState = iota
	stateCacheCheck
	stateServerCheck
	stateReconcile
	stateSecondary
	stateCommitted
	stateFailed
)

var stateNames = [...]string{"start", "cache-check", "server-check", "reconcile", "secondary-retrieval", "committed", "failed"}

func (s attemptState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// EngineOptions wires the authentication engine.
type EngineOptions struct {
	Settings ports.SettingsProvider
	Balancer *LoadBalancer
	Store    ports.IdentityStore
	// Tickets persists retrieved Kerberos credentials. Ticket retrieval is
	// skipped when nil.
	Tickets ports.TicketWriter
	Clock   abtime.AbstractTime
	Logger  *slog.Logger
	Metrics MetricsReporter
}

// AuthEngine runs the per-request login state machine.
type AuthEngine struct {
	settings ports.SettingsProvider
	balancer *LoadBalancer
	store    ports.IdentityStore
	tickets  ports.TicketWriter
	clock    abtime.AbstractTime
	logger   *slog.Logger
	metrics  MetricsReporter
}

// NewAuthEngine creates an engine. Settings, Balancer and Store are required.
func NewAuthEngine(opts EngineOptions) (*AuthEngine, error) {
	if opts.Settings == nil || opts.Balancer == nil || opts.Store == nil {
		return nil, errors.New("auth engine requires settings, balancer and identity store")
	}
	e := &AuthEngine{
		settings: opts.Settings,
		balancer: opts.Balancer,
		store:    opts.Store,
		tickets:  opts.Tickets,
		clock:    opts.Clock,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
	if e.clock == nil {
		e.clock = abtime.NewRealTime()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.metrics == nil {
		e.metrics = NoOpMetrics{}
	}
	return e, nil
}

// attempt carries the state of one Authenticate call.
type attempt struct {
	id       string
	req      AttemptRequest
	settings *domain.Settings
	codec    domain.CookieCodec
	now      time.Time
	logger   *slog.Logger

	state   attemptState
	cookie  domain.ServiceCookie
	rule    *domain.ServiceRule
	service string
	prior   *domain.Identity

	lease     *Lease
	candidate *domain.Identity
	identity  *domain.Identity
	cached    bool
	failure   *cerrors.FailureReason
}

func (a *attempt) fail(kind cerrors.FailureKind, base *cerrors.DomainError, detail error) attemptState {
	a.failure = cerrors.NewFailure(kind, base, detail)
	a.logger.Info("authentication attempt failed", "state", a.state.String(), "reason", kind.String(), "error", detail)
	return stateFailed
}

// Authenticate validates the request's service cookie and returns the
// outcome. A failed attempt never modifies a previously committed identity.
func (e *AuthEngine) Authenticate(ctx context.Context, req AttemptRequest) Outcome {
	a := &attempt{
		id:  uuid.NewString(),
		req: req,
		now: e.clock.Now(),
	}
	a.logger = e.logger.With("attempt_id", a.id, "client", req.Address)

	settings, err := e.settings.Settings()
	if err != nil {
		a.failure = &cerrors.FailureReason{Kind: cerrors.FailureConfigInvalid, Err: err}
		a.logger.Error("configuration unavailable", "error", err)
		e.metrics.RecordAttempt(cerrors.FailureConfigInvalid.String())
		return Outcome{Failure: a.failure}
	}
	a.settings = settings
	a.codec = domain.NewCookieCodec(settings.NonceBytes)
	a.service = settings.ServiceName.Value()
	path, resource := req.Path, req.Resource
	if resource == "" {
		path, resource = domain.SplitResource(req.Path)
	}
	if rule, ok := settings.Rules.Match(path, resource, req.Query); ok {
		a.rule = rule
		if !rule.ServiceName.IsEmpty() {
			a.service = rule.ServiceName.Value()
		}
	}

	if a.service == "" {
		a.state = a.fail(cerrors.FailureConfigInvalid, cerrors.ErrConfigInvalid,
			fmt.Errorf("no service name configured for %s", req.Path))
	}

	for a.state != stateCommitted && a.state != stateFailed {
		next := e.step(ctx, a)
		a.logger.Debug("attempt transition", "from", a.state.String(), "to", next.String())
		a.state = next
	}

	if a.lease != nil {
		a.lease.Release()
	}

	return e.outcome(ctx, a)
}

func (e *AuthEngine) step(ctx context.Context, a *attempt) attemptState {
	switch a.state {
	case stateStart:
		return e.start(ctx, a)
	case stateCacheCheck:
		return e.cacheCheck(a)
	case stateServerCheck:
		return e.serverCheck(ctx, a)
	case stateReconcile:
		return e.reconcile(a)
	case stateSecondary:
		return e.secondary(ctx, a)
	case stateCommitted, stateFailed:
		return a.state
	default:
		return a.fail(cerrors.FailureConfigInvalid, cerrors.ErrConfigInvalid, fmt.Errorf("unknown state %d", a.state))
	}
}

func (e *AuthEngine) start(ctx context.Context, a *attempt) attemptState {
	if a.req.Cookie == "" {
		return a.fail(cerrors.FailureNoCookie, cerrors.ErrMalformedCookie, errors.New("no service cookie"))
	}
	cookie, err := a.codec.Parse(a.req.Cookie)
	if err != nil {
		return a.fail(cerrors.FailureNoCookie, cerrors.ErrMalformedCookie, err)
	}
	a.cookie = cookie
	if cookie.IsExpiredAt(a.now, a.settings.CookieExpire) {
		return a.fail(cerrors.FailureExpired, cerrors.ErrCookieExpired,
			fmt.Errorf("cookie is %s old", cookie.AgeAt(a.now).Truncate(time.Second)))
	}

	prior, err := e.store.Load(ctx, a.req.sessionKey())
	if err != nil {
		a.logger.Warn("failed to load session identity", "error", err)
		prior = nil
	}
	a.prior = prior
	return stateCacheCheck
}

func (e *AuthEngine) cacheCheck(a *attempt) attemptState {
	if a.prior == nil {
		return stateServerCheck
	}
	if a.settings.CheckClientIP && a.req.Address != a.prior.Address {
		return a.fail(cerrors.FailureIPChanged, cerrors.ErrIPMismatch,
			fmt.Errorf("client address %s, session address %s", a.req.Address, a.prior.Address))
	}
	if a.prior.IsFreshAt(a.now, a.settings.CacheExpire) {
		a.identity = a.prior
		a.cached = true
		return stateCommitted
	}
	return stateServerCheck
}

func (e *AuthEngine) serverCheck(ctx context.Context, a *attempt) attemptState {
	line, lease, err := e.balancer.Check(ctx, a.service, a.cookie.Nonce)
	if err != nil {
		var de *cerrors.DomainError
		if errors.As(err, &de) && de.Code == cerrors.ErrPoolUninitialized.Code {
			return a.fail(cerrors.FailurePoolUninitialized, cerrors.ErrPoolUninitialized, errors.Unwrap(err))
		}
		return a.fail(cerrors.FailureNoServers, cerrors.ErrNoServersReachable, errors.Unwrap(err))
	}
	a.lease = lease

	if domain.ClassifyResponse(line) != domain.ResponseAuthenticated {
		return a.fail(cerrors.FailureNotAuthenticated, cerrors.ErrNotAuthenticated, fmt.Errorf("server answered %q", line))
	}
	result, err := domain.ParseCheckResponse(line)
	if err != nil {
		return a.fail(cerrors.FailureNotAuthenticated, cerrors.ErrNotAuthenticated, err)
	}
	a.candidate = domain.IdentityFromCheck(result)
	return stateReconcile
}

func (e *AuthEngine) reconcile(a *attempt) attemptState {
	c := a.candidate
	if p := a.prior; p != nil {
		if a.settings.CheckClientIP && c.Address != p.Address {
			return a.fail(cerrors.FailureIPMismatch, cerrors.ErrIPMismatch,
				fmt.Errorf("server reports %s, session has %s", c.Address, p.Address))
		}
		if c.Name != p.Name {
			return a.fail(cerrors.FailureIdentityMismatch, cerrors.ErrIdentityMismatch,
				fmt.Errorf("server reports %q, session has %q", c.Name, p.Name))
		}
		if c.Realm != p.Realm {
			a.logger.Info("server and session disagree about realm", "server_realm", c.Realm, "session_realm", p.Realm)
		}
	}

	if a.rule != nil && len(a.rule.RequiredFactors) > 0 {
		if missing := a.settings.Factors.Missing(a.rule.RequiredFactors, c.Factors); len(missing) > 0 {
			return a.fail(cerrors.FailureFactorsUnsatisfied, cerrors.ErrFactorsUnsatisfied,
				fmt.Errorf("missing factors: %s", strings.Join(missing, ", ")))
		}
	}

	if a.wantsTicket(e) || a.wantsProxies() {
		return stateSecondary
	}
	return e.commit(a)
}

func (a *attempt) wantsTicket(e *AuthEngine) bool {
	return a.settings.KerberosGetTickets && e.tickets != nil
}

func (a *attempt) wantsProxies() bool {
	return a.settings.GetProxies || (a.rule != nil && a.rule.GetProxies)
}

// secondary fetches optional credentials. Failures are logged and recorded,
// never fatal.
func (e *AuthEngine) secondary(ctx context.Context, a *attempt) attemptState {
	group := a.lease.Group
	if group.ProtocolVersion() < 2 {
		a.logger.Debug("server does not support secondary retrieval", "version", group.ProtocolVersion())
		return e.commit(a)
	}

	if a.wantsTicket(e) {
		path, err := e.retrieveTicket(ctx, a, group)
		e.metrics.RecordSecondary("ticket", err == nil)
		if err != nil {
			a.logger.Warn("ticket retrieval failed", "error", err)
		} else {
			a.candidate.TicketCache = path
		}
	}

	if a.wantsProxies() {
		cookies, err := group.RetrieveProxyCookies(ctx, a.service, a.cookie.Nonce)
		e.metrics.RecordSecondary("proxy", err == nil)
		if err != nil {
			a.logger.Warn("proxy cookie retrieval failed", "error", err)
		} else {
			if cookies == nil {
				cookies = []domain.ProxyCredential{}
			}
			a.candidate.ProxyCookies = cookies
		}
	}

	return e.commit(a)
}

func (e *AuthEngine) retrieveTicket(ctx context.Context, a *attempt, group *ConnectionGroup) (string, error) {
	ccache, err := group.RetrieveTicket(ctx, a.service, a.cookie.Nonce)
	if err != nil {
		return "", err
	}
	return e.tickets.WriteTicket(ctx, a.candidate, ccache)
}

// commit installs the validated identity and persists it.
func (e *AuthEngine) commit(a *attempt) attemptState {
	var id *domain.Identity
	if a.prior != nil && !a.settings.ClearSessionOnLogin {
		id = a.prior.Clone()
		id.Refresh(a.candidate, a.now)
	} else {
		id = a.candidate.Clone()
		id.LastValidated = a.now
	}
	a.identity = id
	return stateCommitted
}

func (e *AuthEngine) outcome(ctx context.Context, a *attempt) Outcome {
	out := Outcome{Rule: a.rule, Service: a.service}

	if a.failure == nil {
		out.Identity = a.identity
		out.Cached = a.cached
		if !a.cached {
			if err := e.store.Save(ctx, a.req.sessionKey(), a.identity); err != nil {
				a.logger.Error("failed to persist identity", "error", err)
			}
			a.logger.Info("authenticated", "user", a.identity.Principal(), "factors", a.identity.Factors)
			e.metrics.RecordAttempt("authenticated")
		} else {
			e.metrics.RecordAttempt("cached")
		}
		return out
	}

	out.Failure = a.failure
	e.metrics.RecordAttempt(a.failure.Kind.String())
	if a.failure.Kind.Unavailable() {
		return out
	}
	if fresh, err := a.codec.GenerateAt(a.now); err != nil {
		a.logger.Error("failed to generate service cookie", "error", err)
	} else {
		out.NewCookie = fresh.String()
	}
	out.PublicAccess = a.settings.AllowPublicAccess || (a.rule != nil && a.rule.PublicAccess)
	return out
}
