// Package config loads taskd settings from defaults, an optional YAML file,
// TASKD_* environment variables and bound command-line flags, and validates
// them before any component starts.
package config
