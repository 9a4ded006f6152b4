// ABOUTME: JSON Schema validation for inbound request frames
// ABOUTME: One envelope schema plus per-method param schemas, compiled once

package wire

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type schemaRegistry struct {
	once    sync.Once
	initErr error
	request *jsonschema.Schema
	methods map[string]*jsonschema.Schema
}

var schemas schemaRegistry

func initSchemas() error {
	schemas.once.Do(func() {
		reqSchema, err := jsonschema.CompileString("request", requestSchema)
		if err != nil {
			schemas.initErr = err
			return
		}
		schemas.request = reqSchema

		methods := map[string]string{
			"connect":        connectParamsSchema,
			"ping":           emptyParamsSchema,
			"health":         emptyParamsSchema,
			"chat.send":      chatSendParamsSchema,
			"chat.abort":     chatAbortParamsSchema,
			"chat.history":   chatHistoryParamsSchema,
			"agent":          agentParamsSchema,
			"agent.wait":     agentWaitParamsSchema,
			"sessions.list":  sessionsListParamsSchema,
			"sessions.get":   sessionKeyOnlySchema,
			"sessions.patch": sessionsPatchParamsSchema,
			"sessions.reset": sessionKeyOnlySchema,
			"subscribe":      sessionKeyOnlySchema,
			"unsubscribe":    sessionKeyOnlySchema,
		}

		schemas.methods = make(map[string]*jsonschema.Schema, len(methods))
		for name, schema := range methods {
			compiled, err := jsonschema.CompileString("method_"+name, schema)
			if err != nil {
				schemas.initErr = err
				return
			}
			schemas.methods[name] = compiled
		}
	})
	return schemas.initErr
}

// ValidateRequest checks a raw inbound frame against the envelope schema and
// the method's param schema. Unknown methods pass envelope validation only;
// the dispatcher rejects them with INVALID_REQUEST.
func ValidateRequest(raw []byte, frame *Frame) error {
	if err := initSchemas(); err != nil {
		return err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if err := schemas.request.Validate(payload); err != nil {
		return err
	}
	if frame == nil {
		return fmt.Errorf("missing frame")
	}
	if schema := schemas.methods[frame.Method]; schema != nil {
		var params any
		if len(frame.Params) == 0 {
			params = map[string]any{}
		} else if err := json.Unmarshal(frame.Params, &params); err != nil {
			return err
		}
		if err := schema.Validate(params); err != nil {
			return err
		}
	}
	return nil
}

const requestSchema = `{
  "type": "object",
  "required": ["type", "id", "method"],
  "properties": {
    "type": { "const": "req" },
    "id": { "type": "string", "minLength": 1 },
    "method": { "type": "string", "minLength": 1 },
    "params": {}
  },
  "additionalProperties": true
}`

const emptyParamsSchema = `{
  "type": "object",
  "additionalProperties": true
}`

const connectParamsSchema = `{
  "type": "object",
  "required": ["minProtocol", "maxProtocol", "client"],
  "properties": {
    "minProtocol": { "type": "integer", "minimum": 1 },
    "maxProtocol": { "type": "integer", "minimum": 1 },
    "client": {
      "type": "object",
      "required": ["id", "version", "platform"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "version": { "type": "string", "minLength": 1 },
        "platform": { "type": "string", "minLength": 1 },
        "mode": { "type": "string" }
      },
      "additionalProperties": true
    },
    "auth": {
      "type": "object",
      "properties": {
        "token": { "type": "string" }
      },
      "additionalProperties": true
    }
  },
  "additionalProperties": true
}`

const chatSendParamsSchema = `{
  "type": "object",
  "required": ["sessionKey", "idempotencyKey", "message"],
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 },
    "idempotencyKey": { "type": "string", "minLength": 1 },
    "message": { "type": "string", "minLength": 1 },
    "thinking": { "type": "string" },
    "deliver": { "type": "boolean" },
    "provider": { "type": "string" },
    "chatType": { "type": "string" },
    "to": { "type": "string" },
    "attachments": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["content"],
        "properties": {
          "type": { "type": "string" },
          "mimeType": { "type": "string" },
          "fileName": { "type": "string" },
          "content": { "type": "string", "minLength": 1 }
        },
        "additionalProperties": true
      }
    }
  },
  "additionalProperties": true
}`

const chatAbortParamsSchema = `{
  "type": "object",
  "required": ["sessionKey"],
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 },
    "runId": { "type": "string" }
  },
  "additionalProperties": true
}`

const chatHistoryParamsSchema = `{
  "type": "object",
  "required": ["sessionKey"],
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 },
    "limit": { "type": "integer", "minimum": 1, "maximum": 1000 }
  },
  "additionalProperties": true
}`

const agentParamsSchema = `{
  "type": "object",
  "required": ["sessionKey", "idempotencyKey", "message"],
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 },
    "idempotencyKey": { "type": "string", "minLength": 1 },
    "message": { "type": "string", "minLength": 1 },
    "wait": { "type": "boolean" },
    "timeoutMs": { "type": "integer", "minimum": 1 }
  },
  "additionalProperties": true
}`

const agentWaitParamsSchema = `{
  "type": "object",
  "required": ["sessionKey", "runId"],
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 },
    "runId": { "type": "string", "minLength": 1 },
    "timeoutMs": { "type": "integer", "minimum": 1 }
  },
  "additionalProperties": true
}`

const sessionsListParamsSchema = `{
  "type": "object",
  "properties": {
    "limit": { "type": "integer", "minimum": 1, "maximum": 500 },
    "offset": { "type": "integer", "minimum": 0 }
  },
  "additionalProperties": true
}`

const sessionKeyOnlySchema = `{
  "type": "object",
  "required": ["sessionKey"],
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const sessionsPatchParamsSchema = `{
  "type": "object",
  "required": ["sessionKey"],
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 },
    "thinking": { "type": "string" },
    "verbose": { "type": "string" },
    "model": { "type": "string" },
    "sendPolicy": { "type": "string", "enum": ["allow", "deny", ""] }
  },
  "additionalProperties": true
}`
