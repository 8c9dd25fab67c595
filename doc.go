// Package vaultledger provides the shared primitives of the vault ledger:
// the error taxonomy returned by every subsystem, context carriage for
// loggers and tracers, and the Launcher used to run long-lived components.
//
// The ledger itself lives in subpackages: vault (balance store), lease
// (operation locking), idempotency, ratelimit, txdep (dependency ordering),
// audit (hash-chained history), reconcile (external cross-checks), webhook
// (notification delivery), and ledger (the orchestrating service).
//
// Typical usage at request ingress:
//
//	ctx = vaultledger.ContextWithLogger(ctx, logger)
//	ctx = vaultledger.ContextWithTracer(ctx, tracer)
package vaultledger
