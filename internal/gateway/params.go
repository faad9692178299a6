package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type sessionParams struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

type operationParams struct {
	UserID      string `json:"user_id"`
	SessionID   string `json:"session_id"`
	OperationID string `json:"operation_id"`
}

type reattachParams struct {
	UserID         string `json:"user_id"`
	SessionID      string `json:"session_id"`
	OperationID    string `json:"operation_id"`
	LastResponseID string `json:"last_response_id"`
}

type cancelParams struct {
	RequestID json.RawMessage `json:"request_id"`
}

type queryParams struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	QueryID   string `json:"query_id"`
	RunID     string `json:"run_id"`
}

const idProp = `{"type": "string", "minLength": 1, "maxLength": 256}`

func objectSchema(required []string, optional map[string]string) string {
	props := make([]string, 0, len(required)+len(optional))
	for _, name := range required {
		props = append(props, fmt.Sprintf("%q: %s", name, idProp))
	}
	for name, schema := range optional {
		props = append(props, fmt.Sprintf("%q: %s", name, schema))
	}
	req, _ := json.Marshal(required)
	return fmt.Sprintf(`{"type": "object", "required": %s, "properties": {%s}, "additionalProperties": false}`,
		req, strings.Join(props, ", "))
}

// methodSchemas returns the params schema for every method that takes params.
func methodSchemas() map[string]string {
	session := objectSchema([]string{"user_id", "session_id"}, nil)
	return map[string]string{
		"session.open":      session,
		"session.close":     session,
		"query.list":        session,
		"query.lookup":      objectSchema([]string{"user_id", "session_id", "query_id", "run_id"}, nil),
		"execution.release": objectSchema([]string{"user_id", "session_id", "operation_id"}, nil),
		"execution.reattach": objectSchema([]string{"user_id", "session_id", "operation_id"},
			map[string]string{"last_response_id": `{"type": "string", "maxLength": 256}`}),
		"execution.cancel": `{"type": "object", "required": ["request_id"], ` +
			`"properties": {"request_id": {"type": ["string", "integer"]}}, "additionalProperties": false}`,
	}
}

// paramValidator validates RPC params against compiled JSON schemas.
type paramValidator struct {
	schemas map[string]*jsonschema.Schema
}

func newParamValidator() *paramValidator {
	c := jsonschema.NewCompiler()
	srcs := methodSchemas()
	v := &paramValidator{schemas: make(map[string]*jsonschema.Schema, len(srcs))}
	for method, src := range srcs {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			panic(fmt.Sprintf("gateway: %s params schema: %v", method, err))
		}
		url := method + ".json"
		if err := c.AddResource(url, doc); err != nil {
			panic(fmt.Sprintf("gateway: add %s schema: %v", method, err))
		}
		v.schemas[method] = c.MustCompile(url)
	}
	return v
}

// validate checks raw params for method. Methods without a schema accept
// anything.
func (v *paramValidator) validate(method string, raw json.RawMessage) error {
	schema, ok := v.schemas[method]
	if !ok {
		return nil
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{}`)
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return schema.Validate(doc)
}

// decode validates and unmarshals params into dst.
func (v *paramValidator) decode(method string, raw json.RawMessage, dst any) *rpcError {
	if err := v.validate(method, raw); err != nil {
		return &rpcError{Code: ErrCodeInvalid, Message: "invalid params: " + err.Error()}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
	}
	return nil
}
