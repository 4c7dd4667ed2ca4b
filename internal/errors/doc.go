// Package errors provides the recoverable error tier for environment hosting.
//
// Errors are categorized by Phase (which lifecycle step failed) and Kind
// (error category). Recoverable failures such as context initialization,
// bootstrap script errors and main-program load failures are reported with
// these types; invariant violations use package check instead.
//
//	err := errors.New(errors.PhaseBootstrap, errors.KindExecution).
//		Module("internal/bootstrap/node").
//		Cause(cause).
//		Build()
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
