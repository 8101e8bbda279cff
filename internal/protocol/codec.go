package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrMalformedEnvelope is returned (wrapped in a *MalformedError) for any
// line that is not a valid envelope.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// MalformedError describes why a line was rejected by the codec.
type MalformedError struct {
	Reason string
	Raw    []byte
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMalformedEnvelope, e.Reason)
}

func (e *MalformedError) Unwrap() error { return ErrMalformedEnvelope }

const envelopeSchemaURL = "wh00t-envelope.json"

const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "profile", "message"],
  "additionalProperties": false,
  "properties": {
    "id":       {"type": "string", "maxLength": 64},
    "profile":  {"enum": ["app", "user", "init:user"]},
    "category": {"type": "string", "maxLength": 128},
    "message":  {"type": "string"},
    "time":     {"type": "string", "maxLength": 32}
  }
}`

var schema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
	if err != nil {
		panic(fmt.Sprintf("protocol: unmarshal envelope schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(envelopeSchemaURL, doc); err != nil {
		panic(fmt.Sprintf("protocol: add envelope schema: %v", err))
	}
	s, err := c.Compile(envelopeSchemaURL)
	if err != nil {
		panic(fmt.Sprintf("protocol: compile envelope schema: %v", err))
	}
	return s
}

// wireEnvelope is the JSON shape of an envelope.
type wireEnvelope struct {
	ID       string `json:"id"`
	Profile  string `json:"profile"`
	Category string `json:"category,omitempty"`
	Message  string `json:"message"`
	Time     string `json:"time,omitempty"`
}

// Encode serializes an envelope as one newline-terminated JSON line.
func Encode(e Envelope) ([]byte, error) {
	data, err := json.Marshal(wireEnvelope{
		ID:       e.SenderID,
		Profile:  string(e.Profile),
		Category: e.wireCategory(),
		Message:  e.Payload,
		Time:     e.Time,
	})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses a single line. Surrounding whitespace is ignored.
func Decode(line []byte) (Envelope, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Envelope{}, &MalformedError{Reason: "empty line"}
	}

	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(line))
	if err != nil {
		return Envelope{}, &MalformedError{Reason: fmt.Sprintf("invalid JSON: %v", err), Raw: line}
	}
	if err := schema.Validate(doc); err != nil {
		return Envelope{}, &MalformedError{Reason: fmt.Sprintf("schema validation failed: %v", err), Raw: line}
	}

	var w wireEnvelope
	if err := json.Unmarshal(line, &w); err != nil {
		return Envelope{}, &MalformedError{Reason: err.Error(), Raw: line}
	}

	env := Envelope{
		SenderID: w.ID,
		Profile:  Profile(w.Profile),
		Category: w.Category,
		Payload:  w.Message,
		Time:     w.Time,
	}
	if rest, ok := strings.CutPrefix(env.Category, DebugPrefix); ok {
		env.Category = rest
		env.Audience = AudienceApps
	}
	return env, nil
}

// DecodeAll parses every non-blank line of a frame. A frame is whatever a
// single transport read returned and may carry several envelopes. Decoding
// stops at the first malformed line.
func DecodeAll(frame []byte) ([]Envelope, error) {
	var envs []Envelope
	for _, line := range bytes.Split(frame, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		env, err := Decode(line)
		if err != nil {
			return envs, err
		}
		envs = append(envs, env)
	}
	return envs, nil
}
