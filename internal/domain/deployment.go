package domain

import "time"

// Status is the lifecycle state of a deployment record.
type Status string

const (
	StatusInProgress Status = "in-progress"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusStopped    Status = "stopped"
	StatusDeleted    Status = "deleted"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusInProgress, StatusSuccess, StatusFailed, StatusStopped, StatusDeleted:
		return true
	}
	return false
}

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusDeleted
}

// DefaultPlatform tags records created without an explicit source platform.
const DefaultPlatform = "github"

// Deployment captures a single deployment attempt as kept by the ledger.
type Deployment struct {
	ID            string     `json:"id"`
	Owner         string     `json:"owner"`
	RepoName      string     `json:"repo_name"`
	Platform      string     `json:"platform"`
	Stack         string     `json:"stack"`
	Status        Status     `json:"status"`
	Outcome       Status     `json:"outcome,omitempty"`
	URL           string     `json:"url,omitempty"`
	Port          int        `json:"port,omitempty"`
	ContainerPort int        `json:"container_port,omitempty"`
	ContainerName string     `json:"container_name,omitempty"`
	ImageName     string     `json:"image_name,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	FailedStage   string     `json:"failed_stage,omitempty"`
	BuildTimeMS   int64      `json:"build_time_ms,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	StoppedAt     *time.Time `json:"stopped_at,omitempty"`
	RestartedAt   *time.Time `json:"restarted_at,omitempty"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
}

// Active reports whether the record describes a running deployment.
func (d Deployment) Active() bool {
	return d.Status == StatusSuccess && d.URL != ""
}

// Mutable fails with an invalid_state error once d can no longer transition.
func (d Deployment) Mutable() error {
	if d.Status.Terminal() {
		return E(KindInvalidState, "", "deployment "+d.ID+" is "+string(d.Status), nil)
	}
	return nil
}

// OwnerStats holds per-owner counters.
type OwnerStats struct {
	Deployments int `json:"deployments"`
	Successes   int `json:"successes"`
	Failures    int `json:"failures"`
}

// Stats is the aggregate projection over the deployment record stream.
type Stats struct {
	TotalDeployments      int                   `json:"total_deployments"`
	SuccessfulDeployments int                   `json:"successful_deployments"`
	FailedDeployments     int                   `json:"failed_deployments"`
	StackStats            map[string]int        `json:"stack_stats"`
	PlatformStats         map[string]int        `json:"platform_stats"`
	OwnerStats            map[string]OwnerStats `json:"owner_stats"`
	LastUpdated           time.Time             `json:"last_updated"`
}

// NewStats returns an empty projection with initialised maps.
func NewStats() Stats {
	return Stats{
		StackStats:    make(map[string]int),
		PlatformStats: make(map[string]int),
		OwnerStats:    make(map[string]OwnerStats),
	}
}

// Clone returns a deep copy so callers never share maps with the ledger.
func (s Stats) Clone() Stats {
	out := s
	out.StackStats = make(map[string]int, len(s.StackStats))
	for k, v := range s.StackStats {
		out.StackStats[k] = v
	}
	out.PlatformStats = make(map[string]int, len(s.PlatformStats))
	for k, v := range s.PlatformStats {
		out.PlatformStats[k] = v
	}
	out.OwnerStats = make(map[string]OwnerStats, len(s.OwnerStats))
	for k, v := range s.OwnerStats {
		out.OwnerStats[k] = v
	}
	return out
}

// SystemStats is host level information shown to the administrative identity.
type SystemStats struct {
	Containers        int       `json:"containers"`
	RunningContainers int       `json:"running_containers"`
	Images            int       `json:"images"`
	ImagesSizeBytes   int64     `json:"images_size_bytes"`
	VolumesSizeBytes  int64     `json:"volumes_size_bytes"`
	CollectedAt       time.Time `json:"collected_at"`
}
