// Package config loads the nexusd configuration from YAML or JSON files and
// fills in the defaults used when a field is left empty.
package config
