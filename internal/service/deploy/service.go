package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/splax/launchpad/internal/docker"
	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/ledger"
	"github.com/splax/launchpad/internal/remote"
	"github.com/splax/launchpad/internal/stack"
	"github.com/splax/launchpad/internal/workspace"
	"github.com/splax/launchpad/pkg/config"
)

// Pipeline stage names reported to callers.
const (
	StageWorkspace = "workspace"
	StageFetch     = "fetch"
	StageDetect    = "detect"
	StageRecipe    = "recipe"
	StageBuild     = "build"
	StageRun       = "run"
	StageVerify    = "verify"
)

// Request contains deployment parameters from the control surface.
type Request struct {
	Owner      string `json:"owner"`
	Repo       string `json:"repo_name"`
	CloneURL   string `json:"clone_url"`
	Credential string `json:"-"`
	Platform   string `json:"platform,omitempty"`
	StackHint  string `json:"stack,omitempty"`
}

// Result summarizes a successful attempt.
type Result struct {
	Success         bool   `json:"success"`
	RecordID        string `json:"deployment_id"`
	URL             string `json:"url"`
	Port            int    `json:"port"`
	DetectedStack   string `json:"detected_stack"`
	ContainerHandle string `json:"container_handle"`
	StackOverridden bool   `json:"stack_overridden,omitempty"`
	BuildTimeMS     int64  `json:"build_time_ms"`
}

// Runtime is the container engine surface the pipeline drives.
type Runtime interface {
	RunContainer(ctx context.Context, spec docker.RunSpec) (docker.ContainerInfo, error)
	Inspect(ctx context.Context, name string) (docker.State, error)
	RemoveContainer(ctx context.Context, name string) error
	RemoveImage(ctx context.Context, ref string) error
	Ping(ctx context.Context) error
}

// Event is one pipeline progress notification.
type Event struct {
	RecordID string    `json:"deployment_id"`
	Owner    string    `json:"owner"`
	Stage    string    `json:"stage"`
	Status   string    `json:"status"`
	Message  string    `json:"message"`
	Time     time.Time `json:"time"`
}

// EventPublisher receives progress events; delivery is best effort.
type EventPublisher interface {
	Publish(Event)
}

// Service runs deployment attempts against the managed host.
type Service struct {
	exec       remote.Executor
	runtime    Runtime
	workspace  *workspace.Manager
	classifier *stack.Classifier
	recipes    *stack.Registry
	ledger     *ledger.Ledger
	events     EventPublisher
	logger     *slog.Logger
	cfg        config.DeployerConfig
	ports      *portBook
	intn       func(n int) int
	sleep      func(ctx context.Context, d time.Duration) error
}

// New creates a deployment service using the built-in stack tables.
func New(exec remote.Executor, rt Runtime, ws *workspace.Manager, led *ledger.Ledger, events EventPublisher, logger *slog.Logger, cfg config.DeployerConfig) Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PortRetries <= 0 {
		cfg.PortRetries = 5
	}
	if cfg.VerifyAttempts <= 0 {
		cfg.VerifyAttempts = 5
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 30 * time.Second
	}
	if cfg.PublicHost == "" {
		cfg.PublicHost = cfg.RemoteHost
	}
	return Service{
		exec:       exec,
		runtime:    rt,
		workspace:  ws,
		classifier: stack.Default(),
		recipes:    stack.DefaultRegistry(),
		ledger:     led,
		events:     events,
		logger:     logger,
		cfg:        cfg,
		ports:      newPortBook(),
		intn:       rand.IntN,
		sleep:      sleepContext,
	}
}

// Stacks lists the deployable stacks and their internal ports.
func (s Service) Stacks() []stack.StackInfo {
	return s.recipes.Stacks()
}

// Health verifies the container engine on the managed host is reachable.
func (s Service) Health(ctx context.Context) error {
	if s.runtime == nil {
		return errors.New("container runtime not initialised")
	}
	return s.runtime.Ping(ctx)
}

func (s Service) validateRequest(req Request) error {
	if strings.TrimSpace(req.Owner) == "" {
		return domain.Errorf(domain.KindInvalidInput, "owner required")
	}
	if strings.TrimSpace(req.Repo) == "" {
		return domain.Errorf(domain.KindInvalidInput, "repository name required")
	}
	if strings.TrimSpace(req.CloneURL) == "" {
		return domain.Errorf(domain.KindInvalidInput, "clone reference required")
	}
	if hint := strings.TrimSpace(req.StackHint); hint != "" {
		if _, err := s.recipes.RecipeFor(hint); err != nil {
			return domain.E(domain.KindInvalidInput, "", fmt.Sprintf("unsupported stack %q", hint), nil)
		}
	}
	return nil
}

func (s Service) publish(rec domain.Deployment, stage, status, message string) {
	if s.events == nil {
		return
	}
	s.events.Publish(Event{
		RecordID: rec.ID,
		Owner:    rec.Owner,
		Stage:    stage,
		Status:   status,
		Message:  message,
		Time:     time.Now().UTC(),
	})
}

func (s Service) publicURL(port int) string {
	return fmt.Sprintf("http://%s:%d", s.cfg.PublicHost, port)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
