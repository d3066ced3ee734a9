package store

import "time"

// Export records a prepared package on disk
type Export struct {
	ExportID     string
	InstanceID   string
	InstanceName string
	PackagePath  string
	ManifestJSON string
	FileSize     int64
	CreatedAt    time.Time
}

// Share is the persisted trace of an active seed session. Rows outliving
// their process are force-closed on the next start.
type Share struct {
	ExportID       string
	LocalPort      int
	PublicURL      string
	Provider       string // "relay" or "edge"
	TunnelResource string
	PID            int
	StartedAt      time.Time
}

// Transfer records an export, import or download operation
type Transfer struct {
	ID           int64
	Direction    string // "export", "import" or "download"
	ExportID     string
	Path         string // package path
	InstanceID   string
	TotalSize    int64
	Status       string // "running", "completed", "failed"
	ErrorMessage string
	StartTime    time.Time
	EndTime      time.Time
}

// Transfer statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)
