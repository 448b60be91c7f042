// Package config loads the dynsched YAML configuration.
//
// Values missing from the file keep the defaults returned by Default.
// Durations are written as Go duration strings ("5s", "30m"). Image
// references are checked with go-containerregistry so that a typo fails at
// startup instead of on the first sidecar creation.
package config
