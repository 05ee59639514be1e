package domain

import "strings"

// FactorPolicy decides whether a principal's factors satisfy a service.
type FactorPolicy struct {
	// Suffix is stripped from principal factors when IgnoreSuffix is set.
	Suffix       string
	IgnoreSuffix bool
}

func (p FactorPolicy) normalize(factor string) string {
	if !p.IgnoreSuffix || p.Suffix == "" {
		return factor
	}
	return strings.TrimSuffix(factor, p.Suffix)
}

// Satisfied reports whether every required factor appears, case-insensitively,
// among the principal's factors.
func (p FactorPolicy) Satisfied(required, have []string) bool {
	for _, want := range required {
		found := false
		for _, f := range have {
			if strings.EqualFold(want, p.normalize(f)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Missing lists the required factors not satisfied.
func (p FactorPolicy) Missing(required, have []string) []string {
	var missing []string
	for _, want := range required {
		if !p.Satisfied([]string{want}, have) {
			missing = append(missing, want)
		}
	}
	return missing
}
