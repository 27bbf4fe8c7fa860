// Package config loads command line defaults from a YAML file.
//
// Keys match flag names, with "_" and "-" interchangeable. Nested maps are
// joined with "-", so a section named after a command scopes its flags:
//
//	debug: true
//	serve:
//	  listen: 0.0.0.0:8443
//	  handshake_timeout: 5s
//	  ssm:
//	    cert: /tls/server/cert
//
// Flags given on the command line or through the environment win over the file.
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"
)

// YAML is a kong.ConfigurationLoader.
func YAML(r io.Reader) (kong.Resolver, error) {
	var doc map[string]any
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	values := map[string]any{}
	flatten("", doc, values)

	var f kong.ResolverFunc = func(_ *kong.Context, parent *kong.Path, flag *kong.Flag) (any, error) {
		if parent != nil && parent.Command != nil {
			if v, ok := values[normalize(parent.Command.Name+"-"+flag.Name)]; ok {
				return v, nil
			}
		}
		if v, ok := values[normalize(flag.Name)]; ok {
			return v, nil
		}
		return nil, nil
	}
	return f, nil
}

func flatten(prefix string, in map[string]any, out map[string]any) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "-" + k
		}
		if nested, ok := v.(map[string]any); ok {
			flatten(key, nested, out)
			continue
		}
		out[normalize(key)] = v
	}
}

func normalize(key string) string {
	return strings.ToLower(strings.ReplaceAll(key, "_", "-"))
}
