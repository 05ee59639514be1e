// Package config loads the client configuration document and keeps the
// current settings generation, reloading it when the file changes.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	yaml "gopkg.in/yaml.v3"

	"github.com/sufield/cosign/internal/core/domain"
	cerrors "github.com/sufield/cosign/internal/core/errors"
)

// EnvPrefix prefixes environment overrides, e.g.
// COSIGN_PROPERTIES_KEYSTOREPASSWORD.
const EnvPrefix = "COSIGN"

const (
	propertiesSection = "properties"
	servicesSection   = "services"
)

// serviceDoc is one entry of the services list.
type serviceDoc struct {
	Name       domain.ServiceName `mapstructure:"name"`
	ReqFactors []string           `mapstructure:"reqfactors"`
	Protected  []protectedDoc     `mapstructure:"protected" validate:"required,dive"`
}

// protectedDoc is one protected location of a service.
type protectedDoc struct {
	Path              string `mapstructure:"path" validate:"required,startswith=/"`
	Resource          string `mapstructure:"rs"`
	Query             string `mapstructure:"qs"`
	AllowPublicAccess bool   `mapstructure:"allowpublicaccess"`
	GetProxies        bool   `mapstructure:"getproxies"`
}

// settingsCheck holds the fields validated after assembly.
type settingsCheck struct {
	ServerHosts       string `validate:"required,host_list"`
	ExhaustionPolicy  string `validate:"oneof=block fail grow"`
	SessionStore      string `validate:"oneof=memory redis"`
	RedisAddr         string `validate:"required_if=SessionStore redis"`
	RedirectRegex     string `validate:"regexp"`
	LoginRedirectURL  string `validate:"url"`
	LoginPostErrorURL string `validate:"url"`
	TrustStorePath    string `validate:"omitempty,file_exists"`
	TicketCacheDir    string `validate:"omitempty,dir_exists"`
}

// Loader turns a configuration document into settings.
type Loader struct {
	validator *domain.Validator
	logger    *slog.Logger
}

// NewLoader creates a loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{validator: domain.NewValidator(), logger: logger}
}

// Parse builds settings from a YAML document. Every problem found is
// reported; a non-nil error means the document must not be installed.
func (l *Loader) Parse(source string, data []byte) (*domain.Settings, error) {
	var errs []error

	dups, err := duplicateProperties(data)
	if err != nil {
		return nil, cerrors.NewConfigLoadError(source, fmt.Errorf("parse yaml: %w", err))
	}
	for _, d := range dups {
		errs = append(errs, fmt.Errorf("%w: %s", cerrors.ErrDuplicateProperty, d))
	}
	if len(errs) > 0 {
		return nil, cerrors.NewConfigLoadError(source, errs...)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, cerrors.NewConfigLoadError(source, fmt.Errorf("read config: %w", err))
	}

	vals, perrs := l.properties(v)
	errs = append(errs, perrs...)

	rules, rerrs := l.rules(v)
	errs = append(errs, rerrs...)

	if len(errs) > 0 {
		return nil, cerrors.NewConfigLoadError(source, errs...)
	}

	s, err := l.assemble(vals, rules)
	if err != nil {
		return nil, cerrors.NewConfigLoadError(source, err)
	}
	return s, nil
}

// properties reads every declared property, applying defaults.
func (l *Loader) properties(v *viper.Viper) (values, []error) {
	for key := range v.GetStringMap(propertiesSection) {
		if _, known := propertyIndex[strings.ToLower(key)]; !known {
			l.logger.Warn("ignoring unknown property", "property", key)
		}
	}

	var errs []error
	vals := make(values, len(properties))
	for _, p := range properties {
		raw := stringify(v.Get(propertiesSection + "." + strings.ToLower(p.name)))
		value, present, fellBack := p.parse(raw)
		switch {
		case !present && p.required:
			errs = append(errs, fmt.Errorf("%w: %s", cerrors.ErrMissingProperty, p.name))
			continue
		case fellBack:
			l.logger.Warn("invalid property value, using default",
				"property", p.name, "type", p.kind.String(), "default", p.def)
		case !present:
			l.logger.Debug("using default property value", "property", p.name, "default", p.def)
		}
		vals[p.name] = value
	}
	return vals, errs
}

// rules decodes and validates the services list.
func (l *Loader) rules(v *viper.Viper) ([]domain.ServiceRule, []error) {
	var docs []serviceDoc
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		domain.ServiceNameDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.UnmarshalKey(servicesSection, &docs, hook); err != nil {
		return nil, []error{fmt.Errorf("decode services: %w", err)}
	}

	var (
		rules []domain.ServiceRule
		errs  []error
	)
	for i, d := range docs {
		if d.Name.IsEmpty() {
			errs = append(errs, fmt.Errorf("services[%d]: %w", i, cerrors.NewValidationError("name", "", "field is required")))
			continue
		}
		if err := l.validator.Validate(d); err != nil {
			errs = append(errs, fmt.Errorf("services[%d]: %w", i, err))
			continue
		}
		for _, p := range d.Protected {
			rules = append(rules, domain.ServiceRule{
				ServiceName:     d.Name,
				Path:            p.Path,
				RequiredFactors: d.ReqFactors,
				Resource:        p.Resource,
				Query:           p.Query,
				PublicAccess:    p.AllowPublicAccess,
				GetProxies:      p.GetProxies,
			})
		}
	}
	return rules, errs
}

func splitHosts(raw string) []string {
	var hosts []string
	for _, h := range strings.Split(raw, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }
func secs(n int) time.Duration   { return time.Duration(n) * time.Second }

// assemble converts parsed values into settings and runs cross-field checks.
func (l *Loader) assemble(vals values, rules []domain.ServiceRule) (*domain.Settings, error) {
	s := &domain.Settings{
		KeyStorePath:     vals.str(KeyStorePath),
		KeyStorePassword: vals.str(KeyStorePassword),
		TrustStorePath:   vals.str(TrustStorePath),

		ServerHosts:      splitHosts(vals.str(CosignServerHost)),
		ServerPort:       vals.integer(CosignServerPort),
		PoolSize:         vals.integer(ConnectionPoolSize),
		ExhaustionPolicy: domain.ExhaustionPolicy(strings.ToLower(vals.str(PoolExhaustionPolicy))),
		PoolMaxWait:      millis(vals.integer(PoolMaxWaitMillis)),
		ResolveInterval:  millis(vals.integer(CosignServerHostIPCheck)),
		SocketTimeout:    millis(vals.integer(SocketTimeoutMillis)),

		NonceBytes:    vals.integer(CookieNonceBytes),
		CookieExpire:  secs(vals.integer(CookieExpireSecs)),
		CacheExpire:   secs(vals.integer(CookieCacheExpireSecs)),
		CheckClientIP: vals.boolean(CheckClientIP),
		Factors: domain.FactorPolicy{
			Suffix:       vals.str(CosignFactorSuffix),
			IgnoreSuffix: vals.boolean(CosignFactorSuffixIgnore),
		},

		LoginRedirectURL:        vals.str(LoginRedirectURL),
		LoginPostErrorURL:       vals.str(LoginPostErrorURL),
		LoginSiteEntryURL:       vals.str(LoginSiteEntryURL),
		ValidationErrorRedirect: vals.str(ValidationErrorRedirect),
		RedirectRegex:           vals.str(RedirectRegex),
		LocationHandlerRef:      vals.str(LocationHandlerRef),
		LocationHandler:         vals.str(LocationHandler),
		AllowPublicAccess:       vals.boolean(AllowPublicAccess),
		HTTPSOnly:               vals.boolean(HTTPSOnly),
		HTTPSPort:               vals.integer(HTTPSPort),
		ClearSessionOnLogin:     vals.boolean(ClearSessionOnLogin),

		KerberosGetTickets: vals.boolean(KerberosGetTickets),
		TicketCacheDir:     vals.str(KerberosTicketCacheDirectory),
		Krb5Conf:           vals.str(KerberosKrb5Conf),
		Krb5Debug:          vals.boolean(KerberosKrb5Debug),
		GetProxies:         vals.boolean(CosignGetProxies),

		SessionStore: strings.ToLower(vals.str(SessionStore)),
		RedisAddr:    vals.str(RedisAddr),

		MonitorInterval: secs(vals.integer(ConfigFileMonitoringIntervalSecs)),

		Rules: domain.NewRuleTable(rules),
	}

	var errs []error
	if name := vals.str(ServiceName); name != "" {
		sn, err := domain.NewServiceName(name)
		if err != nil {
			errs = append(errs, cerrors.NewValidationError(ServiceName, name, err.Error()))
		}
		s.ServiceName = sn
	}

	// HttpsOnly demands an https site entry URL when one is configured.
	if s.HTTPSOnly && s.LoginSiteEntryURL != "" &&
		!strings.HasPrefix(strings.ToLower(s.LoginSiteEntryURL), "https://") {
		errs = append(errs, fmt.Errorf("%w: %s=%s with %s enabled",
			cerrors.ErrInsecureEntryURL, LoginSiteEntryURL, s.LoginSiteEntryURL, HTTPSOnly))
	}

	check := settingsCheck{
		ServerHosts:       vals.str(CosignServerHost),
		ExhaustionPolicy:  string(s.ExhaustionPolicy),
		SessionStore:      s.SessionStore,
		RedisAddr:         s.RedisAddr,
		RedirectRegex:     s.RedirectRegex,
		LoginRedirectURL:  s.LoginRedirectURL,
		LoginPostErrorURL: s.LoginPostErrorURL,
		TrustStorePath:    s.TrustStorePath,
		TicketCacheDir:    s.TicketCacheDir,
	}
	if err := l.validator.Validate(check); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return s, nil
}

// duplicateProperties walks the raw YAML tree and returns property names
// defined more than once, compared case-insensitively.
func duplicateProperties(data []byte) ([]string, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	if len(root.Content) == 0 {
		return nil, nil
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("document root must be a mapping, got %s", nodeKind(doc.Kind))
	}

	var dups []string
	seenSection := false
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key, val := doc.Content[i], doc.Content[i+1]
		if !strings.EqualFold(key.Value, propertiesSection) {
			continue
		}
		if seenSection {
			dups = append(dups, propertiesSection)
		}
		seenSection = true
		if val.Kind != yaml.MappingNode {
			continue
		}
		seen := make(map[string]bool, len(val.Content)/2)
		for j := 0; j+1 < len(val.Content); j += 2 {
			name := strings.ToLower(val.Content[j].Value)
			if seen[name] {
				dups = append(dups, val.Content[j].Value)
			}
			seen[name] = true
		}
	}
	return dups, nil
}

func nodeKind(k yaml.Kind) string {
	switch k {
	case yaml.SequenceNode:
		return "sequence"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return "document"
	}
}
