// Package defaults provides an embedded copy of the default server
// configuration file, written out by the omuserver init subcommand.
package defaults

import _ "embed"

// ConfigYAML is the embedded default configuration file
// (config.example.yaml), written by "omuserver init".
//
//go:embed config.example.yaml
var ConfigYAML []byte
