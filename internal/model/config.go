package model

import "time"

// ConfigScope determines which entities a grading configuration applies to.
type ConfigScope string

const (
	ScopeGlobal   ConfigScope = "global"
	ScopeExam     ConfigScope = "exam"
	ScopeQuestion ConfigScope = "question"
)

// Defaults applied when a configuration or its fields are absent.
const (
	DefaultAutoGradeThreshold = 80.0
	DefaultGradingTimeout     = 300
	DefaultMaxRetries         = 3
)

// ServiceConfig holds backend-specific parameters. Which fields apply
// depends on GradingConfiguration.GradingService; unset fields take the
// backend defaults.
type ServiceConfig struct {
	Model               string   `json:"model,omitempty"`
	Temperature         *float64 `json:"temperature,omitempty"`
	MaxTokens           *int     `json:"max_tokens,omitempty"`
	SimilarityThreshold *float64 `json:"similarity_threshold,omitempty"`
	APIKey              string   `json:"api_key,omitempty"`
}

// GradingConfiguration selects a grading backend and its parameters
// for a scope.
type GradingConfiguration struct {
	ID                  int64         `json:"id"`
	Scope               ConfigScope   `json:"scope" validate:"required,oneof=global exam question"`
	ExamID              *int64        `json:"exam_id,omitempty"`
	QuestionID          *int64        `json:"question_id,omitempty"`
	GradingService      string        `json:"grading_service" validate:"required,max=20"`
	ServiceConfig       ServiceConfig `json:"service_config"`
	AutoGradeThreshold  float64       `json:"auto_grade_threshold" validate:"min=0,max=100"`
	RequireManualReview bool          `json:"require_manual_review"`
	GradingTimeout      int           `json:"grading_timeout" validate:"min=0,max=3600"`
	MaxRetries          int           `json:"max_retries" validate:"min=0,max=10"`
	IsActive            bool          `json:"is_active"`
	CreatedAt           time.Time     `json:"created_at"`
}

// Timeout returns the grading timeout as a duration, falling back to the default.
func (c GradingConfiguration) Timeout() time.Duration {
	if c.GradingTimeout <= 0 {
		return DefaultGradingTimeout * time.Second
	}
	return time.Duration(c.GradingTimeout) * time.Second
}

// DefaultConfiguration is the policy used when no configuration matches.
func DefaultConfiguration(service string) GradingConfiguration {
	return GradingConfiguration{
		Scope:              ScopeGlobal,
		GradingService:     service,
		AutoGradeThreshold: DefaultAutoGradeThreshold,
		GradingTimeout:     DefaultGradingTimeout,
		MaxRetries:         DefaultMaxRetries,
		IsActive:           true,
	}
}

// ServiceInfo describes a registered grading backend for operators.
type ServiceInfo struct {
	Name         string   `json:"name"`
	DisplayName  string   `json:"display_name"`
	Models       []string `json:"models,omitempty"`
	DefaultModel string   `json:"default_model,omitempty"`
	RequiresKey  bool     `json:"requires_api_key"`
	Configured   bool     `json:"configured"`
}
