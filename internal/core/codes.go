// internal/core/codes.go
package core

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
)

// Activation code grammar. The leading tag is the family discriminator:
// HERC- codes are production, DEMO- codes are demo. Codes are case-insensitive
// on the wire and stored upper-cased.
var (
	prodCodePattern = regexp.MustCompile(`^HERC-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)
	demoCodePattern = regexp.MustCompile(`^DEMO-[A-Z0-9]{3}-[A-Z0-9]{3}-[A-Z0-9]{4}$`)

	// Machine fingerprints are opaque host identifiers: hex or alphanumeric
	// (dashes allowed), 16 to 128 characters.
	machineIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]{16,128}$`)
)

// codeAlphabet excludes 0/O and 1/I to keep codes human-typeable.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NormalizeCode upper-cases and trims an activation code for comparison and
// storage.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidateCodeFormat checks an activation code against the grammar of its
// family. The error is CodeMissing or CodeFormatInvalid.
func ValidateCodeFormat(code string) error {
	if strings.TrimSpace(code) == "" {
		return NewError(ErrCodeMissing, "activation code is required")
	}
	normalized := NormalizeCode(code)
	if strings.HasPrefix(normalized, "DEMO-") {
		if !demoCodePattern.MatchString(normalized) {
			return NewError(ErrCodeFormatInvalid, "demo code must match DEMO-XXX-XXX-XXXX")
		}
		return nil
	}
	if !prodCodePattern.MatchString(normalized) {
		return NewError(ErrCodeFormatInvalid, "activation code must match HERC-XXXX-XXXX-XXXX-XXXX")
	}
	return nil
}

// IsDemoCode reports whether a normalized code belongs to the demo family.
func IsDemoCode(code string) bool {
	return strings.HasPrefix(NormalizeCode(code), "DEMO-")
}

// ValidateMachineID checks the presence and format of a machine fingerprint.
func ValidateMachineID(machineID string) error {
	if strings.TrimSpace(machineID) == "" {
		return NewError(ErrMachineIDMissing, "machine fingerprint is required")
	}
	if !machineIDPattern.MatchString(machineID) {
		return NewError(ErrMachineIDFormatInvalid, "machine fingerprint must be 16-128 alphanumeric characters")
	}
	return nil
}

// FingerprintPrefix returns a short diagnostic prefix of a machine
// fingerprint. Full fingerprints never appear in responses or logs.
func FingerprintPrefix(machineID string) string {
	const n = 8
	if len(machineID) <= n {
		return machineID
	}
	return machineID[:n] + "..."
}

// GenerateCode produces a new activation code in the production grammar, or
// the demo grammar when demo is true.
func GenerateCode(demo bool) (string, error) {
	if demo {
		groups, err := randomGroups(3, 3, 4)
		if err != nil {
			return "", err
		}
		return "DEMO-" + strings.Join(groups, "-"), nil
	}
	groups, err := randomGroups(4, 4, 4, 4)
	if err != nil {
		return "", err
	}
	return "HERC-" + strings.Join(groups, "-"), nil
}

func randomGroups(sizes ...int) ([]string, error) {
	total := 0
	for _, n := range sizes {
		total += n
	}
	buf := make([]byte, total)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	groups := make([]string, 0, len(sizes))
	i := 0
	for _, n := range sizes {
		var b strings.Builder
		for j := 0; j < n; j++ {
			b.WriteByte(codeAlphabet[int(buf[i])%len(codeAlphabet)])
			i++
		}
		groups = append(groups, b.String())
	}
	return groups, nil
}
