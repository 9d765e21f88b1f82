// Package schema validates API descriptors against the embedded JSON schema.
package schema

import (
	_ "embed"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/api_descriptor.schema.json
var apiDescriptorSchema []byte

var (
	compileOnce sync.Once
	compiled    *gojsonschema.Schema
	compileErr  error
)

func apiDescriptor() (*gojsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiled, compileErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(apiDescriptorSchema))
		if compileErr != nil {
			compileErr = fmt.Errorf("compile api descriptor schema: %w", compileErr)
		}
	})
	return compiled, compileErr
}

// Validate checks a Go value (struct, map or decoded JSON) against the API
// descriptor schema. It returns the list of violations, empty when valid;
// err is reserved for a document the validator could not load at all.
func Validate(doc any) ([]string, error) {
	return validate(gojsonschema.NewGoLoader(doc))
}

// ValidateJSON is Validate for raw JSON text.
func ValidateJSON(raw []byte) ([]string, error) {
	return validate(gojsonschema.NewBytesLoader(raw))
}

func validate(doc gojsonschema.JSONLoader) ([]string, error) {
	s, err := apiDescriptor()
	if err != nil {
		return nil, err
	}
	result, err := s.Validate(doc)
	if err != nil {
		return nil, fmt.Errorf("validate api descriptor: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}

	errs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		errs = append(errs, e.String())
	}
	return errs, nil
}
