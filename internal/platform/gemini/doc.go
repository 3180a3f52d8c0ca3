// Package gemini implements generation.Generator on top of Google's Gemini
// API using the google.golang.org/genai client.
//
// Upstream failures are translated into the error vocabulary the task
// manager understands: rate limits and server errors stay retryable, while
// rejected requests, safety blocks and empty answers are wrapped with
// retry.Permanent so no further attempts are made.
package gemini
