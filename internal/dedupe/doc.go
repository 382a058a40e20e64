// Package dedupe suppresses repeated envelopes within a time window, giving
// the relay at-most-once delivery for frames a peer sends twice.
package dedupe
