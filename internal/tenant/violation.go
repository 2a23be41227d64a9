// Package tenant enforces tenant partition isolation over the item store and
// the blob store. All tenant-scoped data access flows through a TenantStore
// or TenantBlobs handle, which can only be constructed from a validated
// TenantContext — there is no unscoped read/write surface on the handles, so
// cross-tenant access is unrepresentable rather than merely checked.
package tenant

import (
	"errors"
	"fmt"
)

// AccessViolation is raised when an operation targets a key encoding a
// tenant other than the caller's. It is a hard fault: callers must not
// catch-and-continue past it.
type AccessViolation struct {
	CallerTenantID string
	TargetTenantID string
	AttemptedKey   string
}

func (v *AccessViolation) Error() string {
	return fmt.Sprintf("tenant access violation: caller %q attempted key %q owned by tenant %q",
		v.CallerTenantID, v.AttemptedKey, v.TargetTenantID)
}

// IsViolation reports whether err is (or wraps) an AccessViolation.
func IsViolation(err error) bool {
	var v *AccessViolation
	return errors.As(err, &v)
}

// ErrTenantScopedKey is returned when a tenant-encoded key reaches the shared
// handle. Shared keys and tenant keys are disjoint by construction; a tenant
// key must go through a TenantStore.
var ErrTenantScopedKey = errors.New("tenant-scoped key requires a tenant handle")
