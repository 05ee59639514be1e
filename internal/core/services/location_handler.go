package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/thejerf/abtime"

	"github.com/sufield/cosign/internal/core/domain"
	cerrors "github.com/sufield/cosign/internal/core/errors"
	"github.com/sufield/cosign/internal/core/ports"
)

// DefaultLocationHandler is the name of the built-in location handler.
const DefaultLocationHandler = "default"

var (
	// ErrRedirectRejected means the post-login destination does not match
	// RedirectRegex and no ValidationErrorRedirect is configured.
	ErrRedirectRejected = errors.New("redirect destination rejected")
	// ErrUnknownService means the callback names a service with no rule.
	ErrUnknownService = errors.New("unknown service")
)

// LocationRequest is the post-login callback sent by the login server:
// "<service>=<nonce>&<destination>".
type LocationRequest struct {
	Service     string
	Nonce       string
	Destination string
}

// ParseLocationQuery splits a raw callback query string.
func ParseLocationQuery(rawQuery string) (LocationRequest, error) {
	first, dest, _ := strings.Cut(rawQuery, "&")
	service, nonce, ok := strings.Cut(first, "=")
	if !ok || service == "" || nonce == "" {
		return LocationRequest{}, fmt.Errorf("malformed location query %q", rawQuery)
	}
	if unescaped, err := url.QueryUnescape(dest); err == nil {
		dest = unescaped
	}
	return LocationRequest{Service: service, Nonce: nonce, Destination: dest}, nil
}

// CookieGrant is a service cookie the caller should set on the response.
type CookieGrant struct {
	Name   string
	Value  string
	Path   string
	Secure bool
}

// LocationResult tells the caller where to send the browser.
type LocationResult struct {
	Redirect string
	// Cookie is nil when the destination was rejected.
	Cookie *CookieGrant
}

// LocationHandler validates a post-login callback.
type LocationHandler interface {
	Handle(ctx context.Context, req LocationRequest) (LocationResult, error)
}

// LocationDeps are the collaborators a location handler may use.
type LocationDeps struct {
	Settings ports.SettingsProvider
	Balancer *LoadBalancer
	Clock    abtime.AbstractTime
	Logger   *slog.Logger
}

// LocationHandlerFactory builds a named handler.
type LocationHandlerFactory func(deps LocationDeps) LocationHandler

// LocationRegistry maps LocationHandlerRef names to factories.
type LocationRegistry struct {
	mu        sync.RWMutex
	factories map[string]LocationHandlerFactory
}

// NewLocationRegistry returns a registry holding the default handler.
func NewLocationRegistry() *LocationRegistry {
	r := &LocationRegistry{factories: make(map[string]LocationHandlerFactory)}
	r.Register(DefaultLocationHandler, func(deps LocationDeps) LocationHandler {
		return NewCheckingLocationHandler(deps)
	})
	return r
}

// Register adds or replaces a factory.
func (r *LocationRegistry) Register(name string, f LocationHandlerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(name)] = f
}

// Names lists the registered handlers.
func (r *LocationRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// New builds the handler registered under name; empty selects the default.
func (r *LocationRegistry) New(name string, deps LocationDeps) (LocationHandler, error) {
	if name == "" {
		name = DefaultLocationHandler
	}
	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("location handler %q is not registered", name)
	}
	return f(deps), nil
}

// CheckingLocationHandler verifies the nonce with a CHECK before granting the
// service cookie.
type CheckingLocationHandler struct {
	deps LocationDeps

	mu       sync.Mutex
	exprText string
	expr     *regexp.Regexp
}

// NewCheckingLocationHandler creates the default handler.
func NewCheckingLocationHandler(deps LocationDeps) *CheckingLocationHandler {
	if deps.Clock == nil {
		deps.Clock = abtime.NewRealTime()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &CheckingLocationHandler{deps: deps}
}

func (h *CheckingLocationHandler) redirectPattern(expr string) (*regexp.Regexp, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.expr != nil && h.exprText == expr {
		return h.expr, nil
	}
	re, err := regexp.Compile("^(?:" + expr + ")$")
	if err != nil {
		return nil, err
	}
	h.exprText, h.expr = expr, re
	return re, nil
}

// serviceKnown reports whether name is the configured service or has a rule.
func serviceKnown(s *domain.Settings, name string) bool {
	if strings.EqualFold(s.ServiceName.Value(), name) {
		return true
	}
	_, ok := s.Rules.ByServiceName(name)
	return ok
}

// Handle validates the destination, confirms the nonce with the servers and
// returns the cookie to set.
func (h *CheckingLocationHandler) Handle(ctx context.Context, req LocationRequest) (LocationResult, error) {
	settings, err := h.deps.Settings.Settings()
	if err != nil {
		return LocationResult{}, err
	}
	if !serviceKnown(settings, req.Service) {
		return LocationResult{}, fmt.Errorf("%w: %s", ErrUnknownService, req.Service)
	}

	if settings.RedirectRegex != "" {
		re, err := h.redirectPattern(settings.RedirectRegex)
		if err != nil {
			return LocationResult{}, cerrors.NewDomainError(cerrors.ErrConfigInvalid, fmt.Errorf("RedirectRegex: %w", err))
		}
		if !re.MatchString(req.Destination) {
			h.deps.Logger.Warn("post-login redirect rejected", "service", req.Service, "destination", req.Destination)
			if settings.ValidationErrorRedirect != "" {
				return LocationResult{Redirect: settings.ValidationErrorRedirect}, nil
			}
			return LocationResult{}, fmt.Errorf("%w: %s", ErrRedirectRejected, req.Destination)
		}
	}

	line, lease, err := h.deps.Balancer.Check(ctx, req.Service, req.Nonce)
	if err != nil {
		return LocationResult{}, err
	}
	lease.Release()
	if domain.ClassifyResponse(line) != domain.ResponseAuthenticated {
		return LocationResult{}, cerrors.NewDomainError(cerrors.ErrNotAuthenticated, fmt.Errorf("server answered %q", line))
	}

	cookie := domain.ServiceCookie{Nonce: req.Nonce, Timestamp: h.deps.Clock.Now()}
	return LocationResult{
		Redirect: req.Destination,
		Cookie: &CookieGrant{
			Name:   req.Service,
			Value:  cookie.String(),
			Path:   "/",
			Secure: settings.HTTPSOnly,
		},
	}, nil
}
