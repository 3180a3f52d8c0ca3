// Package main implements the taskd command: the HTTP service that runs
// background tasks with retries and circuit breakers, plus the scheduler
// dashboard, database migrations and token issuing.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
