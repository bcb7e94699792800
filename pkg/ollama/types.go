package ollama

import "time"

type Model struct {
	Name      string    `json:"name"`
	Model     string    `json:"model"`
	Size      int64     `json:"size"`
	Digest    string    `json:"digest"`
	Details   Details   `json:"details"`
	ExpiresAt time.Time `json:"expires_at"`
	SizeVram  int64     `json:"size_vram"`
}

type Details struct {
	Family            string `json:"family"`
	ParameterSize     string `json:"parameter_size"`
	QuantizationLevel string `json:"quantization_level"`
}

type TagsResponse struct {
	Models []Model `json:"models"`
}

type PsResponse struct {
	Models []Model `json:"models"`
}

// HealthStatus is the outcome of CheckHealth
type HealthStatus struct {
	Available bool
	Error     error
	Models    []Model
}
