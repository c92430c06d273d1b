package models

// StatusType represents the lifecycle status carried by a training_status event
type StatusType string

const (
	StatusStarted   StatusType = "started"
	StatusProgress  StatusType = "progress"
	StatusError     StatusType = "error"
	StatusCompleted StatusType = "completed"
	StatusSkipped   StatusType = "skipped"
)

// IsValid checks if the StatusType is a known, valid value
func (s StatusType) IsValid() bool {
	switch s {
	case StatusStarted, StatusProgress, StatusError, StatusCompleted, StatusSkipped:
		return true
	}
	return false
}

// String returns the string representation of the StatusType
func (s StatusType) String() string {
	return string(s)
}

// PipelineStep identifies one stage of the training pipeline.
// Step names are part of the wire protocol consumed by dashboard clients.
type PipelineStep string

const (
	StepDataCleanup       PipelineStep = "data_cleanup"
	StepDataConversion    PipelineStep = "data_conversion"
	StepTraining          PipelineStep = "training"
	StepModelVerification PipelineStep = "model_verification"
	StepModelUpload       PipelineStep = "model_upload"
	StepModelBroadcast    PipelineStep = "model_broadcast"

	// StepUnknown is reported when a run dies outside any named stage
	StepUnknown PipelineStep = "unknown"
)

// IsValid checks if the PipelineStep is a known, valid step
func (p PipelineStep) IsValid() bool {
	switch p {
	case StepDataCleanup, StepDataConversion, StepTraining,
		StepModelVerification, StepModelUpload, StepModelBroadcast, StepUnknown:
		return true
	}
	return false
}

// String returns the string representation of the PipelineStep
func (p PipelineStep) String() string {
	return string(p)
}

// TrainingStatus is the payload of a training_status event.
// Step is empty for run-level events (started, completed, skipped).
type TrainingStatus struct {
	Status  StatusType   `json:"status"`
	Step    PipelineStep `json:"step,omitempty"`
	Message string       `json:"message"`
}

// ModelData is the payload of a model_data event: the trained artifact
// encoded for transport together with its filename.
type ModelData struct {
	ModelBase64 string `json:"model_base64"`
	Filename    string `json:"filename"`
}

// Trigger acknowledgement statuses
const (
	TriggerAccepted = "accepted"
	TriggerSkipped  = "skipped"
)

// TriggerAck acknowledges a data_update trigger. The endpoint answers
// accepted once the background worker is dispatched; a guard rejection is
// only observable as a skipped training_status event on the stream.
type TriggerAck struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}
