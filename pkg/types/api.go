package types

import "encoding/json"

// InferRequest represents an inference request payload for models and pipelines.
type InferRequest struct {
	// Named inputs.
	Inputs TensorMap `json:"inputs"`
	// Optional model version; 0 or omitted selects the default version.
	// Ignored for pipelines.
	// example: 2
	Version int64 `json:"version,omitempty" example:"2"`
	// Sequence id for stateful models (uint64). 0 together with START asks
	// the server to assign one.
	SequenceID json.RawMessage `json:"sequence_id,omitempty" swaggertype:"integer"`
	// Sequence control for stateful models (uint32): 0 none, 1 start, 2 end.
	SequenceControl json.RawMessage `json:"sequence_control_input,omitempty" swaggertype:"integer"`
}

// InferResponse is returned by the infer endpoints.
type InferResponse struct {
	// example: resnet
	Model string `json:"model,omitempty" example:"resnet"`
	// example: 2
	Version int64 `json:"version,omitempty" example:"2"`
	// example: detect
	Pipeline string    `json:"pipeline,omitempty" example:"detect"`
	Outputs  TensorMap `json:"outputs"`
	// Sequence id the request was processed in (stateful models only).
	SequenceID uint64 `json:"sequence_id,omitempty"`
	// example: 7f9c2a4e-7a0b-4b54-9a69-0d9a2c1f0a11
	RequestID string `json:"request_id,omitempty"`
}

// ModelsResponse wraps the list of models returned by GET /v1/models.
type ModelsResponse struct {
	Models []ModelStatus `json:"models"`
}

// ExtensionsResponse wraps GET /v1/extensions.
type ExtensionsResponse struct {
	Extensions []Extension `json:"extensions"`
}

// PipelinesResponse wraps GET /v1/pipelines.
type PipelinesResponse struct {
	Pipelines []PipelineStatus `json:"pipelines"`
}

// SequencesResponse wraps GET /v1/models/{name}/versions/{version}/sequences.
type SequencesResponse struct {
	SequenceIDs []uint64 `json:"sequence_ids"`
}

// HistoryResponse wraps GET /v1/models/{name}/versions/{version}/history.
type HistoryResponse struct {
	Events []VersionEvent `json:"events"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}
