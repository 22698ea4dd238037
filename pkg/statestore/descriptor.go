package statestore

import (
	"net/url"
	"path/filepath"
	"strings"
)

type Type string

const (
	TypeMemory Type = "memory"
	TypeFile   Type = "file"
)

// Descriptor selects a state store backend. It is parsed from strings of
// the form memory:// or file:///absolute/path.
type Descriptor struct {
	Type Type
	Path string
}

func (d Descriptor) String() string {
	switch d.Type {
	case TypeFile:
		return "file://" + d.Path
	default:
		return string(d.Type) + "://"
	}
}

func ParseDescriptor(input string) (Descriptor, error) {
	u, err := url.Parse(input)
	if err != nil {
		return Descriptor{}, &ConfigError{Descriptor: input, Reason: "malformed URL", Err: err}
	}
	if u.Scheme == "" {
		return Descriptor{}, &ConfigError{Descriptor: input, Reason: "malformed URL: missing scheme"}
	}

	switch Type(u.Scheme) {
	case TypeMemory:
		return Descriptor{Type: TypeMemory}, nil

	case TypeFile:
		// the path is handed to the driver verbatim
		if u.RawQuery != "" || u.ForceQuery || u.Fragment != "" {
			return Descriptor{}, &ConfigError{Descriptor: input, Reason: "file URL cannot carry a query or fragment"}
		}
		path, ok := strings.CutPrefix(input, "file://")
		if !ok {
			return Descriptor{}, &ConfigError{Descriptor: input, Reason: "invalid file URL"}
		}
		path = strings.TrimSpace(path)
		if path == "" {
			return Descriptor{}, &ConfigError{Descriptor: input, Reason: "file path cannot be empty"}
		}
		if !filepath.IsAbs(path) {
			return Descriptor{}, &ConfigError{Descriptor: input, Reason: "file path must be absolute"}
		}
		return Descriptor{Type: TypeFile, Path: filepath.Clean(path)}, nil
	}

	return Descriptor{}, &ConfigError{Descriptor: input, Reason: "unsupported scheme " + u.Scheme}
}

// UnmarshalText lets descriptors be used directly in config files.
func (d *Descriptor) UnmarshalText(text []byte) error {
	parsed, err := ParseDescriptor(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
