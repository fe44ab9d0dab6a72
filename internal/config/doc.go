// Package config loads the gateway's JSON configuration, fills defaults for
// every omitted field and validates the combination of selected backends.
// Relative paths are resolved against the directory of the config file.
package config
