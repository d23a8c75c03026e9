package asynqtask

import (
	"encoding/json"
	"fmt"
)

// Payload is the body of one asynq task produced by a dispatch. asynq has no
// per-task priority, so the schedule's priority travels with the arguments.
type Payload struct {
	Args     []any          `json:"args"`
	Kwargs   map[string]any `json:"kwargs"`
	Priority int            `json:"priority,omitempty"`
}

type PayloadSerializer func(Payload) ([]byte, error)

type PayloadDeserializer func([]byte) (Payload, error)

func DefaultPayloadSerializer(payload Payload) ([]byte, error) {
	if payload.Args == nil {
		payload.Args = []any{}
	}
	if payload.Kwargs == nil {
		payload.Kwargs = map[string]any{}
	}

	return json.Marshal(payload)
}

func DefaultPayloadDeserializer(data []byte) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if payload.Args == nil {
		payload.Args = []any{}
	}
	if payload.Kwargs == nil {
		payload.Kwargs = map[string]any{}
	}

	return payload, nil
}
