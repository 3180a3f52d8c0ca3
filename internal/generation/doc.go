// Package generation defines the LLM-backed content operations run as tasks:
// keyword research, outline, article content and SEO review.
//
// Each operation turns a JSON request into a prompt, calls a Generator and
// parses the model's JSON answer into the task result. Calls run under the
// "gemini" circuit breaker and the retry profile named after the operation,
// both applied by the task manager from the operation's Registration.
package generation
