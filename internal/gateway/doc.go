// Package gateway wraps one named remote operation behind a bounded call contract.
//
// Ownership boundary:
// - endpoint availability wait
//
// - asynchronous dispatch and response wait
//
// - conversion of every failure mode into an Outcome
//
// A Gateway holds no per-call state and never retries. Callers decide what a
// failed Outcome means for their own workflow.
package gateway
