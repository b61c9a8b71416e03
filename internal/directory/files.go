package directory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/concierge/internal/dialog"
)

// LoadTenantFile parses a tenant file. YAML rejects unknown fields; TOML
// is strict too. The tenant ID defaults to the file's base name.
func LoadTenantFile(path string) (*Tenant, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the operator-configured directory
	if err != nil {
		return nil, fmt.Errorf("read tenant %s: %w", path, err)
	}

	var t Tenant
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&t); err != nil {
			return nil, fmt.Errorf("decode tenant %s: %w", path, err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&t); err != nil {
			return nil, fmt.Errorf("decode tenant %s: %w", path, err)
		}
	}

	if t.ID == "" {
		t.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := t.normalize(); err != nil {
		return nil, fmt.Errorf("tenant %s: %w", path, err)
	}
	return &t, nil
}

// normalize fills tenant IDs on child records and checks the rules.
func (t *Tenant) normalize() error {
	var errs []error
	for i := range t.Nuclei {
		n := &t.Nuclei[i]
		if n.ID == "" {
			errs = append(errs, fmt.Errorf("nucleus %d: id is required", i))
		}
		n.TenantID = t.ID
		for j := range n.Departments {
			if n.Departments[j].NucleusID == "" {
				n.Departments[j].NucleusID = n.ID
			}
		}
	}
	for i := range t.Agents {
		t.Agents[i].TenantID = t.ID
	}
	for i := range t.Teams {
		t.Teams[i].TenantID = t.ID
	}
	for i := range t.Rules {
		r := &t.Rules[i]
		r.TenantID = t.ID
		if err := r.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoadScriptFile parses a script from YAML (strict) or JSON. JSON documents
// are checked against the script JSON Schema first.
func LoadScriptFile(path string) (*dialog.Script, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from a tenant file
	if err != nil {
		return nil, fmt.Errorf("read script %s: %w", path, err)
	}

	var sc dialog.Script
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		issues, err := dialog.ValidateDocument(data)
		if err != nil {
			return nil, fmt.Errorf("validate script %s: %w", path, err)
		}
		if len(issues) > 0 {
			return nil, fmt.Errorf("script %s: %w", path, &dialog.ValidationError{Issues: issues})
		}
		if err := json.Unmarshal(data, &sc); err != nil {
			return nil, fmt.Errorf("decode script %s: %w", path, err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&sc); err != nil {
			return nil, fmt.Errorf("decode script %s: %w", path, err)
		}
	}

	if sc.ID == "" {
		sc.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	sc.Normalize()
	return &sc, nil
}
