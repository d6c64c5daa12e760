// Package defaults provides embedded starter files for the
// moodmender init subcommand.
package defaults

import _ "embed"

// ConfigYAML is a commented config.yaml that references secrets through
// environment variables.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// DotEnv lists the environment variables ConfigYAML expects.
//
//go:embed env.example
var DotEnv []byte
