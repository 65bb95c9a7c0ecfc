package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// Schema names, one per request body the server accepts.
const (
	SchemaStart    = "start"
	SchemaAction   = "action"
	SchemaDeath    = "death"
	SchemaVictory  = "victory"
	SchemaAirdrop  = "airdrop"
	SchemaSubmitTx = "submit_tx"
	SchemaHello    = "hello"
	SchemaAct      = "act"
)

const schemaBase = "mem://dieforward/schemas/"

type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles every embedded schema.
func NewValidator() (*Validator, error) {
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	var names []string
	for _, e := range entries {
		raw, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(schemaBase+e.Name(), bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("schema %s: %w", e.Name(), err)
		}
		names = append(names, e.Name())
	}
	v := &Validator{schemas: map[string]*jsonschema.Schema{}}
	for _, n := range names {
		s, err := c.Compile(schemaBase + n)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", n, err)
		}
		v.schemas[strings.TrimSuffix(n, ".schema.json")] = s
	}
	return v, nil
}

// Validate checks raw JSON against the named schema.
func (v *Validator) Validate(name string, raw []byte) error {
	s, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	return s.Validate(doc)
}
