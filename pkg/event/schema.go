package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	schemasassets "github.com/3leaps/annovault/internal/assets/schemas"
)

// ErrValidationFailed indicates a payload did not match its schema.
var ErrValidationFailed = errors.New("payload validation failed")

// ValidationError represents a single schema violation.
type ValidationError struct {
	// Path is the JSON pointer to the problematic field (e.g., "/job_id").
	Path string

	// Message describes the validation failure.
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a collection of schema violations.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "payload validation failed with %d errors:", len(e))
	for _, err := range e {
		b.WriteString("\n  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

var schemaSources = map[string][]byte{
	TopicJobCompleted:     schemasassets.JobCompletedSchema,
	TopicRestoreRequested: schemasassets.RestoreRequestedSchema,
	TopicThawCompleted:    schemasassets.ThawCompletedSchema,
}

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

func compiledSchemas() (map[string]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true
		out := make(map[string]*jsonschema.Schema, len(schemaSources))
		for topic, src := range schemaSources {
			url := topic + ".schema.json"
			if err := compiler.AddResource(url, bytes.NewReader(src)); err != nil {
				schemasErr = fmt.Errorf("add %s schema: %w", topic, err)
				return
			}
			s, err := compiler.Compile(url)
			if err != nil {
				schemasErr = fmt.Errorf("compile %s schema: %w", topic, err)
				return
			}
			out[topic] = s
		}
		schemas = out
	})
	return schemas, schemasErr
}

// ValidateRaw checks a raw JSON payload for topic against its embedded schema.
func ValidateRaw(topic string, data []byte) error {
	all, err := compiledSchemas()
	if err != nil {
		return err
	}
	s, ok := all[topic]
	if !ok {
		return fmt.Errorf("no schema for topic %q", topic)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return ValidationErrors{{Message: "invalid JSON: " + err.Error()}}
	}
	if err := s.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return flatten(verr)
		}
		return fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}
	return nil
}

// flatten collects the leaf causes of a schema error.
func flatten(verr *jsonschema.ValidationError) ValidationErrors {
	var out ValidationErrors
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, ValidationError{Path: e.InstanceLocation, Message: e.Message})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	return out
}

// DecodeThawCompleted validates and decodes an externally supplied thaw notification.
func DecodeThawCompleted(data []byte) (*ThawCompleted, error) {
	if err := ValidateRaw(TopicThawCompleted, data); err != nil {
		return nil, err
	}
	var msg ThawCompleted
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode thaw notification: %w", err)
	}
	if err := Validate(msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
