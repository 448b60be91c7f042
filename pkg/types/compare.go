package types

import (
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// probeFields change on every observation and are not worth a label write
var probeFields = cmpopts.IgnoreFields(HealthStatus{}, "Healthy", "Message", "CheckedAt", "ConsecutiveSuccesses")

// NeedsPersist reports whether two versions of a context differ in anything
// that must survive a scheduler restart.
func NeedsPersist(before, after *TrackedServiceContext) bool {
	return !cmp.Equal(before, after, probeFields, cmpopts.EquateEmpty())
}
