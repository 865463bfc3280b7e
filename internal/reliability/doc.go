// Package reliability provides retry policies for transient failures.
//
// Policies decide whether a failed attempt should run again and how long to
// wait first. Two implementations are provided: ExponentialBackoff with
// jitter for broker submission, and FixedDelay for predictable pacing.
//
// Errors can opt out of retries by implementing either
//
//	IsRetryable() bool
//	Terminal() bool
//
// on any error in their chain. Unknown errors are treated as transient.
package reliability
