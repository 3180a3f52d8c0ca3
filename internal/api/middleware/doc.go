// Package middleware provides the HTTP middleware of the task API: trace IDs
// with request scoped loggers, and bearer token authentication resolving the
// owner of the request.
package middleware
