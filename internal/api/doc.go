// Package api exposes the task manager over HTTP: submitting, polling,
// listing and cancelling tasks, streaming task progress over a websocket,
// task analytics, the scheduler dashboard and circuit breaker administration.
//
// Every /api route requires an authenticated owner (see middleware.Authenticator);
// tasks of other owners are reported as not found.
package api
