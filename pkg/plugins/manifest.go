package plugins

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// MaxManifestSize bounds the manifest file read from an untrusted tree
const MaxManifestSize = 256 * 1024

// ReadManifestFromDir reads the raw manifest of a source tree as JSON.
// plugin.json is preferred; plugin.yaml is converted to JSON when present instead.
func ReadManifestFromDir(dir string) ([]byte, error) {
	data, err := readLimited(filepath.Join(dir, ManifestFile))
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	data, err = readLimited(filepath.Join(dir, ManifestFileYAML))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no %s found in plugin source: %w", ManifestFile, err)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", ManifestFileYAML, err)
	}
	return json.Marshal(doc)
}

func readLimited(path string) ([]byte, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", filepath.Base(path))
	}
	if info.Size() > MaxManifestSize {
		return nil, fmt.Errorf("%s exceeds %d bytes", filepath.Base(path), MaxManifestSize)
	}
	return os.ReadFile(path)
}

// DecodeManifest decodes raw JSON into a Manifest one field at a time, so a type
// mismatch in one field is reported without hiding the others. Unknown fields are ignored.
func DecodeManifest(raw []byte) (*Manifest, []ValidationError) {
	var fields map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&fields); err != nil || fields == nil {
		msg := "Manifest must be a JSON object"
		if err != nil {
			msg = fmt.Sprintf("Manifest is not valid JSON: %v", err)
		}
		return nil, []ValidationError{{Field: "manifest", Message: msg, Severity: severityError}}
	}

	m := &Manifest{}
	var errs []ValidationError
	decode := func(name string, target interface{}, expected string) {
		v, ok := fields[name]
		if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			return
		}
		if err := json.Unmarshal(v, target); err != nil {
			errs = append(errs, ValidationError{
				Field:    name,
				Message:  fmt.Sprintf("%s must be %s", name, expected),
				Severity: severityError,
			})
		}
	}

	var pluginType string
	var permissions []string
	decode("id", &m.ID, "a string")
	decode("name", &m.Name, "a string")
	decode("version", &m.Version, "a string")
	decode("description", &m.Description, "a string")
	decode("author", &m.Author, "a string")
	decode("homepage", &m.Homepage, "a string")
	decode("repository", &m.Repository, "a string")
	decode("type", &pluginType, "a string")
	decode("entry_point", &m.EntryPoint, "a string")
	decode("permissions", &permissions, "a list of strings")
	decode("api_endpoints", &m.APIEndpoints, "a list of strings")
	decode("allowed_origins", &m.AllowedOrigins, "a list of strings")
	decode("dependencies", &m.Dependencies, "an object of version constraints")
	decode("host_version", &m.HostVersion, "a string")

	if schema, ok := fields["config_schema"]; ok {
		trimmed := bytes.TrimSpace(schema)
		switch {
		case bytes.Equal(trimmed, []byte("null")):
		case len(trimmed) > 0 && trimmed[0] == '{':
			m.ConfigSchema = append(json.RawMessage(nil), trimmed...)
		default:
			errs = append(errs, ValidationError{
				Field:    "config_schema",
				Message:  "config_schema must be a JSON object",
				Severity: severityError,
			})
		}
	}

	m.Type = PluginType(pluginType)
	if t, ok := ParsePluginType(pluginType); ok {
		m.Type = t
	}
	for _, p := range permissions {
		m.Permissions = append(m.Permissions, Capability(p))
	}

	return m, errs
}

// MarshalManifest encodes a manifest for persistence
func MarshalManifest(m *Manifest) ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalManifest decodes a persisted manifest without validation
func UnmarshalManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}
