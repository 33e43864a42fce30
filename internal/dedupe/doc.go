// Package dedupe remembers the result of keyed operations for a TTL window
// so that a repeated submission replays the first result instead of running
// again.
package dedupe
