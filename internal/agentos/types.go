package agentos

import "time"

type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	MatchTerms  []string `json:"match_terms"`
	Version     string   `json:"version,omitempty"`
}

type RouteRequest struct {
	Message  string   `json:"message"`
	Limit    int      `json:"limit,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	MinScore float64  `json:"min_score"`
}

type routeResponse struct {
	Skills []Skill `json:"skills"`
}

type reloadResponse struct {
	Status string  `json:"status"`
	Skills []Skill `json:"skills"`
}

type HealthStatus struct {
	Status   string          `json:"status"`
	Version  string          `json:"version"`
	Database map[string]any  `json:"database"`
	Features map[string]bool `json:"features"`
	Uptime   float64         `json:"uptime"`
}

func (h HealthStatus) Degraded() bool {
	return h.Status == "degraded"
}

type IngestionStatus string

const (
	StatusPending    IngestionStatus = "pending"
	StatusProcessing IngestionStatus = "processing"
	StatusCompleted  IngestionStatus = "completed"
	StatusFailed     IngestionStatus = "failed"
)

// Transient reports whether the backend is still working on the item.
func (s IngestionStatus) Transient() bool {
	return s == StatusPending || s == StatusProcessing
}

type IngestionItem struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Status        IngestionStatus `json:"status"`
	StatusMessage string          `json:"status_message"`
	Size          int64           `json:"size"`
	AccessCount   int             `json:"access_count"`
	CreatedAt     string          `json:"created_at"`
	UpdatedAt     string          `json:"updated_at"`
	Metadata      map[string]any  `json:"metadata"`
}

type contentPage struct {
	Data []IngestionItem `json:"data"`
	Meta struct {
		Page       int `json:"page"`
		Limit      int `json:"limit"`
		TotalPages int `json:"total_pages"`
		TotalCount int `json:"total_count"`
	} `json:"meta"`
}

type KnowledgeStats struct {
	Total            int    `json:"total"`
	Completed        int    `json:"completed"`
	Processing       int    `json:"processing"`
	Pending          int    `json:"pending"`
	Failed           int    `json:"failed"`
	TotalSize        int64  `json:"total_size"`
	TotalAccessCount int    `json:"total_access_count"`
	Message          string `json:"message,omitempty"`
	Error            string `json:"error,omitempty"`
}

type RetryResult struct {
	Message       string `json:"message"`
	ContentID     string `json:"content_id"`
	CurrentStatus string `json:"current_status"`
}

type Upload struct {
	Name        string
	Description string
	FileName    string
	Data        []byte
}

type RunRequest struct {
	AgentID   string
	SessionID string
	UserID    string
	Message   string
}

// Chunk is one decoded event of an agent run stream.
type Chunk struct {
	Event     string
	RunID     string
	Content   string
	Done      bool
	CreatedAt time.Time
}

const (
	EventRunStarted   = "RunStarted"
	EventRunContent   = "RunContent"
	EventRunCompleted = "RunCompleted"
	EventRunError     = "RunError"
	EventRunCancelled = "RunCancelled"
)
