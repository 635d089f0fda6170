// Package dedupe provides a time-based key cache. The HTTP layer uses it to
// honour Idempotency-Key on job submission and the queue bridge uses it to
// report each malformed delivery once.
package dedupe
