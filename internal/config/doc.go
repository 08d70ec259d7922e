// Package config handles configuration loading, parsing, and validation
// from defaults, an optional config file and CONTEXTFLOW_ environment
// variables. It provides type-safe access to the settings of every component
// while keeping configuration details separate from processing logic.
package config
