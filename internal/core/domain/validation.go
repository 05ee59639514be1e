package domain

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	cerrors "github.com/sufield/cosign/internal/core/errors"
)

// Validator wraps go-playground/validator with cosign-specific validators.
type Validator struct {
	validator *validator.Validate
}

// NewValidator creates a new validation instance with the custom validators
// registered.
func NewValidator() *Validator {
	validate := validator.New()

	_ = validate.RegisterValidation("service_name", validateServiceNameCustom)
	_ = validate.RegisterValidation("https_url", validateHTTPSURLCustom)
	_ = validate.RegisterValidation("host_list", validateHostListCustom)
	_ = validate.RegisterValidation("file_exists", validateFileExistsCustom)
	_ = validate.RegisterValidation("dir_exists", validateDirExistsCustom)
	_ = validate.RegisterValidation("regexp", validateRegexpCustom)

	return &Validator{
		validator: validate,
	}
}

// Validate validates a struct and converts failures to ValidationErrors.
func (v *Validator) Validate(s interface{}) error {
	err := v.validator.Struct(s)
	if err == nil {
		return nil
	}
	converted := ConvertValidationErrors(err)
	if len(converted) == 0 {
		return err
	}
	errs := make([]error, len(converted))
	for i, ve := range converted {
		errs[i] = ve
	}
	return errors.Join(errs...)
}

// ValidateVar validates a single variable using the specified tag.
func (v *Validator) ValidateVar(field interface{}, tag string) error {
	return v.validator.Var(field, tag)
}

func validateServiceNameCustom(fl validator.FieldLevel) bool {
	if sn, ok := fl.Field().Interface().(ServiceName); ok {
		return !sn.IsEmpty()
	}
	name := fl.Field().String()
	if name == "" {
		return true // Empty values handled by 'required' tag
	}
	_, err := NewServiceName(name)
	return err == nil
}

func validateHTTPSURLCustom(fl validator.FieldLevel) bool {
	raw := fl.Field().String()
	if raw == "" {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, "https") && u.Host != ""
}

// host_list accepts a comma-separated list of host names or IP addresses.
func validateHostListCustom(fl validator.FieldLevel) bool {
	raw := fl.Field().String()
	if raw == "" {
		return true
	}
	for _, h := range strings.Split(raw, ",") {
		h = strings.TrimSpace(h)
		if h == "" {
			return false
		}
		if net.ParseIP(h) != nil {
			continue
		}
		if strings.ContainsAny(h, " /:@") {
			return false
		}
	}
	return true
}

func validateFileExistsCustom(fl validator.FieldLevel) bool {
	path := fl.Field().String()
	if path == "" {
		return true
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

func validateDirExistsCustom(fl validator.FieldLevel) bool {
	path := fl.Field().String()
	if path == "" {
		return true
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

func validateRegexpCustom(fl validator.FieldLevel) bool {
	expr := fl.Field().String()
	if expr == "" {
		return true
	}
	_, err := regexp.Compile(expr)
	return err == nil
}

// ConvertValidationErrors converts go-playground validation errors to
// field-level ValidationErrors.
func ConvertValidationErrors(err error) []*cerrors.ValidationError {
	var out []*cerrors.ValidationError

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		for _, fe := range validationErrors {
			out = append(out, cerrors.NewValidationError(fe.Field(), fe.Value(), getCustomErrorMessage(fe)))
		}
	}

	return out
}

func getCustomErrorMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "field is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "service_name":
		return "must contain only alphanumeric characters, hyphens, underscores and dots"
	case "https_url":
		return "must be an https:// URL"
	case "host_list":
		return "must be a comma-separated list of host names"
	case "file_exists":
		return "file must exist and be a regular file"
	case "dir_exists":
		return "directory must exist and be a directory"
	case "regexp":
		return "must be a valid regular expression"
	default:
		return fmt.Sprintf("validation failed for tag '%s'", fe.Tag())
	}
}
