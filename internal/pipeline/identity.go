package pipeline

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Namespace for derived-fact identities. Changing it would re-key every
// derived entity, so it is fixed for the lifetime of the deployment.
var derivedNamespace = uuid.MustParse("9b1deb4d-3b7d-4bad-9bdd-2b0d7b3dcb6d")

// DerivedID computes a deterministic identity from the semantic content of
// a derived fact. Re-running a transform over the same input window yields
// the same identity, turning the write into an upsert instead of a
// duplicate insert. Parts are joined with a non-printable separator so
// ("ab","c") and ("a","bc") never collide.
func DerivedID(parts ...string) string {
	return uuid.NewSHA1(derivedNamespace, []byte(strings.Join(parts, "\x1f"))).String()
}

// TimeBucket truncates t (in UTC) to the start of its window, producing
// the rounded temporal component of a derived fact's natural key.
func TimeBucket(t time.Time, window time.Duration) time.Time {
	return t.UTC().Truncate(window)
}

// BucketKey renders a time bucket as a stable natural-key part.
func BucketKey(t time.Time, window time.Duration) string {
	return TimeBucket(t, window).Format(time.RFC3339)
}
