package quota

import (
	"errors"
	"fmt"
	"strings"
)

// ErrQuotaExceeded matches every QuotaExceededError under errors.Is.
var ErrQuotaExceeded = errors.New("api quota exceeded")

// Scope names which limit was hit.
type Scope string

const (
	ScopeDaily   Scope = "daily"
	ScopeMonthly Scope = "monthly"
)

// QuotaExceededError is returned by BeforeExternalCall when a limit is reached.
type QuotaExceededError struct {
	Scope Scope
	Used  int
	Limit int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s api limit reached (%d/%d calls)", e.Scope, e.Used, e.Limit)
}

func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// IsQuotaExceeded reports whether err is a local quota breach.
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// ProviderError is an error that carries an external provider's own status
// text. Only that text is searched for quota wording, so local failures such
// as a locked state store never read as quota exhaustion.
type ProviderError interface {
	error
	ProviderText() string
}

// IsProviderQuotaError reports whether err is quota exhaustion, either a
// local breach or a ProviderError whose text mentions OVER_QUERY_LIMIT or
// quota.
func IsProviderQuotaError(err error) bool {
	if err == nil {
		return false
	}
	if IsQuotaExceeded(err) {
		return true
	}
	var pe ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	msg := strings.ToLower(pe.ProviderText())
	return strings.Contains(msg, "over_query_limit") || strings.Contains(msg, "quota")
}
