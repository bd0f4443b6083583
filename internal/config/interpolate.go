package config

import (
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// envVarRe matches ${VAR} and ${VAR:-default}.
var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// interpolateNode expands environment references in every scalar string
// value of a parsed YAML document, recursively. Keys are left untouched.
func interpolateNode(n *yaml.Node) {
	if n == nil {
		return
	}
	switch n.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for _, child := range n.Content {
			interpolateNode(child)
		}
	case yaml.MappingNode:
		// Content alternates key, value.
		for i := 1; i < len(n.Content); i += 2 {
			interpolateNode(n.Content[i])
		}
	case yaml.ScalarNode:
		if n.Tag == "!!str" || n.Tag == "" {
			n.Value = Interpolate(n.Value)
		}
	}
}

// Interpolate expands ${VAR} and ${VAR:-default} references in s. Unset
// variables without a default expand to the empty string.
func Interpolate(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		m := envVarRe.FindStringSubmatch(match)
		if v, ok := os.LookupEnv(m[1]); ok {
			return v
		}
		return m[2]
	})
}
