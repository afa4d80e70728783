// Package handlers contains the reusable pieces of the HTTP interface:
// health checks, middleware and request decoding.
//
// # Health Checks
//
// Checks are registered by name and run in parallel. A failing critical
// check makes the service unhealthy; a failing optional check only marks
// it degraded:
//
//	checker := handlers.NewCompositeHealthChecker("v0.1.0")
//	checker.AddCheck("local_store", handlers.NewPingCheck(db))
//	checker.AddOptionalCheck("remote", handlers.NewPingCheck(remote))
//
// # Requests
//
// DecodeJSON reads a bounded JSON body into a request struct and runs the
// struct's validate tags. Besides the stock tags, "day" accepts an ISO
// calendar day and "topicstatus" a known topic status.
package handlers
