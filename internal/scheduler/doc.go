// Package scheduler runs recurring work on a cron runtime, records its
// lifecycle in the scheduler event log and builds the dashboard snapshot that
// reconciles the live job registry with what was persisted.
package scheduler
