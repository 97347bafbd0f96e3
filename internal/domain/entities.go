package domain

import (
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// WorkerStatus is the lifecycle state of a worker record.
type WorkerStatus string

// Worker status values.
const (
	WorkerOnline   WorkerStatus = "online"
	WorkerDegraded WorkerStatus = "degraded"
	WorkerOffline  WorkerStatus = "offline"
)

// ModelTier buckets workers by the largest model size they can serve.
type ModelTier string

// Model tier values, ordered smallest to largest.
const (
	TierUnder3B  ModelTier = "<3B"
	Tier3To7B    ModelTier = "3-7B"
	Tier7To13B   ModelTier = "7-13B"
	Tier13To27B  ModelTier = "13-27B"
	Tier30BPlus  ModelTier = "30B+"
)

// TierOrder lists tiers from smallest to largest for compatibility scoring.
var TierOrder = []ModelTier{TierUnder3B, Tier3To7B, Tier7To13B, Tier13To27B, Tier30BPlus}

// Skills describes the models a worker can serve.
type Skills struct {
	AvailableModels []string
	ModelPaths      map[string]string
	TotalModelSize  int64
	LastScanned     time.Time
}

// Capabilities describes a worker's resource envelope.
type Capabilities struct {
	MaxConcurrent      int
	SupportedTiers     []ModelTier
	AvailableMemoryGB  float64
}

// WorkerMetrics is the rolling snapshot a worker reports in its heartbeat.
type WorkerMetrics struct {
	CPUUsagePercent      float64
	MemoryUsedGB         float64
	GPUUtilizationPercent float64
	ActiveRequests       int
	TotalRequestsHandled int64
	AvgLatencyMs         float64
	ModelsLoaded         []string
}

// Worker is the registry's record for one worker process. At most one
// record exists per WorkerID (4.A invariant).
type Worker struct {
	WorkerID      string
	Hostname      string
	Address       string
	Port          int
	Skills        Skills
	Capabilities  Capabilities
	Status        WorkerStatus
	LastHeartbeat time.Time
	Metrics       WorkerMetrics
}

// Priority is the admission priority of a queued request, highest first.
type Priority int

// Priority levels, ordered CRITICAL (highest) to BACKGROUND (lowest).
const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

// NumPriorityLevels is the count of distinct Priority values.
const NumPriorityLevels = int(PriorityBackground) + 1

// String renders the priority level for logging.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	case PriorityBackground:
		return "BACKGROUND"
	default:
		return "UNKNOWN"
	}
}

// InferenceRequest is immutable once accepted by the scheduler.
type InferenceRequest struct {
	RequestID   string
	ModelID     string
	Prompt      string
	MaxTokens   *int
	Temperature *float64 `validate:"omitempty,gte=0,lte=2"`
	TopP        *float64 `validate:"omitempty,gte=0,lte=1"`
	SessionID   string
	TenantID    string
	Stream      bool
	Priority    Priority
	Deadline    time.Time
	EstimatedTokens int
}

var (
	validatorOnce sync.Once
	validatorInst *validator.Validate
)

func getValidator() *validator.Validate {
	validatorOnce.Do(func() { validatorInst = validator.New() })
	return validatorInst
}

// Validate checks the numeric ranges and required fields of a request,
// applied once at ingress (§9's "dynamic validation" note).
func (r InferenceRequest) Validate() error {
	if r.RequestID == "" {
		return &CodedError{Err: ErrValidation, Method: "InferenceRequest.Validate", Duration: 0}
	}
	if r.ModelID == "" {
		return NewCodedError(ErrValidation, "InferenceRequest.Validate", r.RequestID, 0, 0)
	}
	if err := getValidator().Struct(r); err != nil {
		return NewCodedError(ErrValidation, "InferenceRequest.Validate", r.RequestID, 0, 0)
	}
	return nil
}

// RequestMetadata is the per-request trace created at admission and frozen
// on terminal state.
type RequestMetadata struct {
	RequestID           string
	StartTime           time.Time
	EndTime             time.Time
	DurationMs          float64
	RetryCount          int
	SelectedWorker      string
	FailedWorkers       []string
	CircuitBreakerTrips int
	Timeouts            int
	FinalError          string
}

// Token is one emitted generation unit.
type Token struct {
	ID       int
	Text     string
	LogProb  *float64
	IsFinal  bool
	SizeBytes int
}

// Chunk is one flushed unit of a stream, carrying the tokens accumulated
// since the previous flush.
type Chunk struct {
	ChunkID   string
	StreamID  string
	Sequence  uint64
	Tokens    []Token
	SizeBytes int
	CreatedAt time.Time
	SentAt    *time.Time
	AckedAt   *time.Time
	Final     bool
	Reason    string // size, timeout, final, manual
}

// ChatMessage is one turn of a PromptPayload.
type ChatMessage struct {
	Role    string
	Content string
}

// PromptPayload is the structured prompt carried by a worker dispatch.
type PromptPayload struct {
	Messages     []ChatMessage
	SystemPrompt string
	MaxTokens    *int
	Temperature  *float64
}

// QueuedRequest is one admitted item in the priority scheduler.
type QueuedRequest struct {
	Payload         InferenceRequest
	Priority        Priority
	TenantID        string
	EstimatedTokens int
	Deadline        time.Time
	EnqueuedAt      time.Time
	CustomData      map[string]any
}

// DoneNotification is the worker's terminal notification for a requestId.
type DoneNotification struct {
	RequestID  string
	TotalTokens int
	LatencyMs  float64
}

// ErrorNotification is the worker's error notification for a requestId.
type ErrorNotification struct {
	RequestID string
	Error     string
	Code      string
}
