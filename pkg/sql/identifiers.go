// Package sql screens tenant-authored mapping and condition input before any
// of it is interpolated into a query fragment sent to a tenant database.
// Mapped column names and resource names are the only identifiers the engine
// ever splices into SQL, so they are validated strictly; everything else
// travels as bind parameters.
package sql

import (
	"fmt"
	"regexp"

	libinjection "github.com/corazawaf/libinjection-go"
)

// MaxIdentifierLength matches the common lower bound across supported
// engines (PostgreSQL truncates at 63).
const MaxIdentifierLength = 63

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

// ValidateIdentifier rejects anything that is not a plain unquoted SQL
// identifier. Mapping columns and resources must pass this before a mapping
// is saved or queried.
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("identifier must not be empty")
	}
	if len(name) > MaxIdentifierLength {
		return fmt.Errorf("identifier %q exceeds %d characters", name, MaxIdentifierLength)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

// InjectionCheckResult describes a detected SQL injection pattern.
type InjectionCheckResult struct {
	Fingerprint string
	Name        string
	Value       any
}

// CheckValueForInjection runs libinjection over a string value. Non-string
// values cannot carry injection payloads and return nil.
func CheckValueForInjection(name string, value any) *InjectionCheckResult {
	s, ok := value.(string)
	if !ok {
		return nil
	}
	if isSQLi, fingerprint := libinjection.IsSQLi(s); isSQLi {
		return &InjectionCheckResult{
			Fingerprint: string(fingerprint),
			Name:        name,
			Value:       value,
		}
	}
	return nil
}
