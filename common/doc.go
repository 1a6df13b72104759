// Package common provides shared constants, types, utilities, and errors
// used throughout the VPN session daemon.
//
// This package serves as the foundation for cross-cutting concerns:
//
//   - Constants: bus names, object paths, timeouts and file names
//   - Errors: sentinel and typed errors forming the error taxonomy, with
//     Kind and Retryable for front ends deciding how to react
//   - Logger: leveled logging on top of logrus with file rotation
//   - Utils: object path generation, alias checks, uid slice helpers
//
// # Usage
//
//	// Use logger
//	common.LogInfo("Imported configuration %s", path)
//
//	// Check errors
//	var denied *common.AccessDeniedError
//	if errors.As(err, &denied) {
//	    fmt.Printf("uid %d may not do this\n", denied.UID)
//	}
//
//	// Decide on retries
//	if common.Retryable(err) {
//	    // re-query the object state first
//	}
package common
