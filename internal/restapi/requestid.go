package restapi

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// newRequestID returns a fresh ULID to correlate every retried attempt of one
// logical REST call across our own logs and, via X-Request-Id, the
// platform's. Reading crypto/rand directly keeps this independent of any
// shared generator state; REST calls are infrequent enough that the syscall
// cost doesn't matter the way it would for a hot id path.
func newRequestID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
