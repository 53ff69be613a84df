// Package config ships the bundled launcher manifest so the binary works even
// when it runs outside a checkout.
package config

import _ "embed"

// DefaultManifest is the content of config/default_manifest.yml.
//
//go:embed default_manifest.yml
var DefaultManifest []byte
