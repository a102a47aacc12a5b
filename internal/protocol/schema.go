package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
)

const envelopeSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"type": "string", "minLength": 1, "maxLength": 64}
	}
}`

var kindSchemas = map[Kind]string{
	KindPing: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["type"],
		"properties": {
			"type": {"const": "ping"}
		}
	}`,
	KindChallengeResponse: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["type", "response"],
		"properties": {
			"type": {"const": "challenge_response"},
			"response": {"type": "string", "minLength": 1, "maxLength": 512}
		}
	}`,
	KindToolExecute: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["type", "id", "toolName", "args"],
		"properties": {
			"type": {"const": "tool_execute"},
			"id": {"type": "string", "minLength": 1, "maxLength": 256},
			"toolName": {"type": "string", "minLength": 1, "maxLength": 128},
			"args": {"type": "object"}
		}
	}`,
	KindToolResult: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["type", "id", "success"],
		"properties": {
			"type": {"const": "tool_result"},
			"id": {"type": "string", "minLength": 1, "maxLength": 256},
			"success": {"type": "boolean"},
			"error": {"type": "string"}
		}
	}`,
}

// Validator classifies decoded frames against the compiled message schemas.
// It is immutable after construction and safe for concurrent use.
type Validator struct {
	envelope *jsonschema.Schema
	kinds    map[Kind]*jsonschema.Schema
}

// NewValidator compiles the envelope and per-kind schemas.
func NewValidator() (*Validator, error) {
	envelope, err := compileSchema("envelope.json", envelopeSchema)
	if err != nil {
		return nil, err
	}
	v := &Validator{envelope: envelope, kinds: make(map[Kind]*jsonschema.Schema, len(kindSchemas))}
	for k, src := range kindSchemas {
		schema, err := compileSchema(string(k)+".json", src)
		if err != nil {
			return nil, err
		}
		v.kinds[k] = schema
	}
	return v, nil
}

// MustValidator is NewValidator for package-level initialisation; the
// schemas are constants so a failure is a programming error.
func MustValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

func compileSchema(name, src string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return schema, nil
}

// Parse decodes raw and classifies it as exactly one message kind. The
// returned error is always a *ValidationError. Parse has no side effects
// and never trusts a field before the schema for its kind has passed.
func (v *Validator) Parse(raw []byte) (Message, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Message{}, &ValidationError{Code: ErrInvalidJSON, Message: "frame is not valid JSON"}
	}
	if err := v.envelope.Validate(doc); err != nil {
		return Message{}, &ValidationError{
			Code:    ErrInvalidFormat,
			Message: "frame does not match message envelope",
			Details: fieldErrors(err),
		}
	}

	// The envelope schema guarantees an object with a string "type".
	k := Kind(doc.(map[string]any)["type"].(string))
	schema, ok := v.kinds[k]
	if !ok {
		return Message{}, &ValidationError{
			Code:    ErrInvalidFormat,
			Message: "unknown message type",
			Details: []FieldError{{Field: "/type", Message: "unsupported value"}},
		}
	}
	if err := schema.Validate(doc); err != nil {
		return Message{}, &ValidationError{
			Code:    ErrInvalidFormat,
			Message: fmt.Sprintf("invalid %s message", k),
			Details: fieldErrors(err),
		}
	}
	return decodeTyped(k, raw)
}

func decodeTyped(k Kind, raw []byte) (Message, error) {
	msg := Message{Kind: k}
	var target any
	switch k {
	case KindPing:
		return msg, nil
	case KindChallengeResponse:
		msg.ChallengeResponse = &ChallengeResponse{}
		target = msg.ChallengeResponse
	case KindToolExecute:
		msg.ToolExecute = &ToolExecute{}
		target = msg.ToolExecute
	case KindToolResult:
		msg.ToolResult = &ToolResult{}
		target = msg.ToolResult
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return Message{}, &ValidationError{Code: ErrInvalidFormat, Message: fmt.Sprintf("decode %s message", k)}
	}
	return msg, nil
}

// fieldErrors flattens a schema validation error into leaf diagnostics.
func fieldErrors(err error) []FieldError {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []FieldError{{Field: "/", Message: "invalid"}}
	}
	var out []FieldError
	collectLeaves(ve, &out)
	if len(out) == 0 {
		out = append(out, FieldError{Field: "/", Message: "invalid"})
	}
	return out
}

func collectLeaves(ve *jsonschema.ValidationError, out *[]FieldError) {
	if len(ve.Causes) > 0 {
		for _, cause := range ve.Causes {
			collectLeaves(cause, out)
		}
		return
	}
	loc := instancePath(ve.InstanceLocation)
	switch k := ve.ErrorKind.(type) {
	case *kind.Required:
		for _, missing := range k.Missing {
			*out = append(*out, FieldError{Field: joinField(loc, missing), Message: "required"})
		}
	case *kind.Type:
		*out = append(*out, FieldError{Field: loc, Message: fmt.Sprintf("expected %s, got %s", strings.Join(k.Want, " or "), k.Got)})
	case *kind.MinLength:
		*out = append(*out, FieldError{Field: loc, Message: "too short"})
	case *kind.MaxLength:
		*out = append(*out, FieldError{Field: loc, Message: "too long"})
	case *kind.Const, *kind.Enum:
		*out = append(*out, FieldError{Field: loc, Message: "unsupported value"})
	default:
		keyword := "invalid"
		if ve.ErrorKind != nil {
			if path := ve.ErrorKind.KeywordPath(); len(path) > 0 {
				keyword = "failed " + path[len(path)-1]
			}
		}
		*out = append(*out, FieldError{Field: loc, Message: keyword})
	}
}

func instancePath(loc []string) string {
	if len(loc) == 0 {
		return "/"
	}
	return "/" + strings.Join(loc, "/")
}

func joinField(base, name string) string {
	if base == "/" {
		return "/" + name
	}
	return base + "/" + name
}
