package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv expands environment references in raw YAML before parsing. The
// syntax is Go-template style — {{.BRIDGE_LOG_DIR}} — rather than $VAR, so
// literal dollar signs in regex patterns, passwords, and shell snippets
// survive untouched. Unset variables expand to the empty string; the
// validator catches required fields left empty afterwards. Content that does
// not parse or execute as a template is returned unchanged, so YAML with no
// template syntax always passes through.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok && key != "" {
			env[key] = value
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}
	return buf.Bytes()
}
