package catalog

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// SupportedFormat is the major table format version this package reads.
const SupportedFormat = "v1"

// Load decodes a YAML event table and validates it.
func Load(r io.Reader) (*Table, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("catalog: read table: %w", err)
	}

	var t Table
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("catalog: decode table: %w", err)
	}

	if !semver.IsValid(t.Format) {
		return nil, fmt.Errorf("catalog: table format %q is not a semantic version", t.Format)
	}
	if semver.Major(t.Format) != SupportedFormat {
		return nil, fmt.Errorf("catalog: table format %s unsupported, want %s.x", t.Format, SupportedFormat)
	}
	if t.RegisterPrefix == "" {
		t.RegisterPrefix = "PMD"
	}
	if t.ControlRegisters == 0 {
		t.ControlRegisters = t.MaxCounters
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// LoadFile is Load on the named file.
func LoadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	defer f.Close()
	return Load(f)
}
