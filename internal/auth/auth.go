// Package auth implements the narrow token-and-header check spec.md §6
// requires of every protected route. Full account/scope management is out
// of scope for the engine (spec.md §1 "out of scope: ... authentication
// middleware"); lightd only needs to know whether a bearer token matches
// the one operator-configured secret and whether the vendor Accept header
// is present.
package auth

import (
	"crypto/subtle"
	"strings"

	"github.com/pkglat/lightd/internal/apierr"
)

// tokenPrefix is the fixed prefix every valid bearer token carries
// (spec.md §6: "Authorization: Bearer lightd_<token>").
const tokenPrefix = "lightd_"

// SharedSecretValidator checks every request against one daemon-wide
// secret. It satisfies both httpapi's and wsgateway's TokenValidator
// interfaces.
type SharedSecretValidator struct {
	secret       string
	vendorHeader string
}

// New constructs a SharedSecretValidator. secret is compared against the
// token portion of the Authorization header (without the lightd_ prefix);
// vendorHeader is the exact Accept value spec.md §6 requires.
func New(secret, vendorHeader string) *SharedSecretValidator {
	return &SharedSecretValidator{secret: secret, vendorHeader: vendorHeader}
}

// Validate checks token against the configured secret and acceptHeader
// against the configured vendor header. internalID is accepted but unused:
// the shared-secret scheme grants access to every container alike, since
// lightd has no per-container ACL of its own (spec.md §1).
func (v *SharedSecretValidator) Validate(internalID, token, acceptHeader string) error {
	if !strings.HasPrefix(token, tokenPrefix) {
		return apierr.ErrMissingToken
	}
	candidate := strings.TrimPrefix(token, tokenPrefix)
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(v.secret)) != 1 {
		return apierr.ErrMissingToken
	}
	if acceptHeader != v.vendorHeader {
		return apierr.ErrMissingVendorHeader
	}
	return nil
}

// ExtractBearer strips the "Bearer " prefix from an Authorization header
// value, returning the raw token (still carrying its lightd_ prefix).
func ExtractBearer(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimPrefix(header, prefix)
	}
	return header
}
