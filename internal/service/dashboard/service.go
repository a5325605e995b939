package dashboard

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/splax/launchpad/internal/docker"
	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/ledger"
	"github.com/splax/launchpad/internal/service/deploy"
	"github.com/splax/launchpad/internal/stack"
	"github.com/splax/launchpad/internal/workspace"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
	defaultLogLines  = 100
	maxLogLines      = 5000
	probeConcurrency = 8
)

// Deployer runs and transitions deployments.
type Deployer interface {
	Start(ctx context.Context, req deploy.Request) (deploy.Result, error)
	Stop(ctx context.Context, id string, guard deploy.Guard) (domain.Deployment, error)
	Restart(ctx context.Context, id string, guard deploy.Guard) (domain.Deployment, error)
	Delete(ctx context.Context, id string, guard deploy.Guard) (domain.Deployment, error)
	Stacks() []stack.StackInfo
	Health(ctx context.Context) error
}

// Runtime is the read side of the container engine.
type Runtime interface {
	Inspect(ctx context.Context, name string) (docker.State, error)
	Logs(ctx context.Context, name string, tail int) ([]string, error)
	StatusLine(ctx context.Context, name string) (string, error)
	SystemStats(ctx context.Context) (domain.SystemStats, error)
}

// HandleStatus is the live view of one container handle.
type HandleStatus struct {
	Handle       string        `json:"container_handle"`
	DeploymentID string        `json:"deployment_id"`
	Status       domain.Status `json:"status"`
	Running      bool          `json:"is_running"`
	State        string        `json:"state"`
	StatusLine   string        `json:"status_line,omitempty"`
	URL          string        `json:"url,omitempty"`
}

// ActiveDeployment pairs a ledger record with a live engine probe.
type ActiveDeployment struct {
	domain.Deployment
	Running bool   `json:"is_running"`
	State   string `json:"state"`
}

// StatsView is what GetStats returns; System is set for the administrator.
type StatsView struct {
	domain.Stats
	Scope  string              `json:"scope"`
	System *domain.SystemStats `json:"system,omitempty"`
}

// Logs carries the tail of a container's output.
type Logs struct {
	DeploymentID string   `json:"deployment_id"`
	Lines        []string `json:"lines"`
}

// Service implements the control surface operations for authenticated callers.
type Service struct {
	deployer Deployer
	ledger   *ledger.Ledger
	runtime  Runtime
	admin    string
	logger   *slog.Logger
}

// New constructs the control surface service. admin may be empty.
func New(deployer Deployer, led *ledger.Ledger, rt Runtime, admin string, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{
		deployer: deployer,
		ledger:   led,
		runtime:  rt,
		admin:    strings.TrimSpace(admin),
		logger:   logger,
	}
}

func (s Service) isAdmin(caller string) bool {
	return s.admin != "" && strings.EqualFold(caller, s.admin)
}

func ownedBy(caller string) deploy.Guard {
	return func(d domain.Deployment) error {
		if d.Owner != caller {
			return domain.E(domain.KindAuthorization, "", "deployment belongs to another owner", nil)
		}
		return nil
	}
}

func requireCaller(caller string) error {
	if strings.TrimSpace(caller) == "" {
		return domain.E(domain.KindAuthorization, "", "caller identity required", nil)
	}
	return nil
}

// StartDeployment runs the pipeline on behalf of caller, who becomes the owner.
func (s Service) StartDeployment(ctx context.Context, caller string, req deploy.Request) (deploy.Result, error) {
	if err := requireCaller(caller); err != nil {
		return deploy.Result{}, err
	}
	req.Owner = caller
	return s.deployer.Start(ctx, req)
}

func (s Service) byHandle(caller, handle string) (domain.Deployment, error) {
	if err := requireCaller(caller); err != nil {
		return domain.Deployment{}, err
	}
	if !workspace.ValidKey(handle) {
		return domain.Deployment{}, domain.Errorf(domain.KindInvalidInput, "invalid container handle")
	}
	rec, err := s.ledger.FindByContainer(handle)
	if errors.Is(err, ledger.ErrNotFound) {
		return domain.Deployment{}, domain.Errorf(domain.KindNotFound, "no deployment for container %s", handle)
	}
	if err != nil {
		return domain.Deployment{}, err
	}
	if err := ownedBy(caller)(rec); err != nil {
		return domain.Deployment{}, err
	}
	return rec, nil
}

// GetStatus reports the record and live engine state behind a container handle.
func (s Service) GetStatus(ctx context.Context, caller, handle string) (HandleStatus, error) {
	rec, err := s.byHandle(caller, handle)
	if err != nil {
		return HandleStatus{}, err
	}
	running, state := s.probe(ctx, handle)
	st := HandleStatus{
		Handle:       handle,
		DeploymentID: rec.ID,
		Status:       rec.Status,
		Running:      running,
		State:        state,
		URL:          rec.URL,
	}
	if state != "missing" && s.runtime != nil {
		if line, err := s.runtime.StatusLine(ctx, handle); err == nil {
			st.StatusLine = line
		}
	}
	return st, nil
}

// StopByHandle stops the deployment currently holding the container handle.
func (s Service) StopByHandle(ctx context.Context, caller, handle string) (domain.Deployment, error) {
	rec, err := s.byHandle(caller, handle)
	if err != nil {
		return domain.Deployment{}, err
	}
	return s.deployer.Stop(ctx, rec.ID, ownedBy(caller))
}

// ListDeployments returns the caller's records newest first and the total
// number they own. The administrator sees every owner.
func (s Service) ListDeployments(caller string, limit int) ([]domain.Deployment, int, error) {
	if err := requireCaller(caller); err != nil {
		return nil, 0, err
	}
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	owner := caller
	if s.isAdmin(caller) {
		owner = ""
	}
	list, total := s.ledger.List(owner, limit)
	if list == nil {
		list = []domain.Deployment{}
	}
	return list, total, nil
}

// GetStats returns owner scoped statistics, or global ones plus host usage
// for the administrator.
func (s Service) GetStats(ctx context.Context, caller string) (StatsView, error) {
	if err := requireCaller(caller); err != nil {
		return StatsView{}, err
	}
	if !s.isAdmin(caller) {
		return StatsView{Stats: s.ledger.Stats(caller), Scope: "owner"}, nil
	}
	view := StatsView{Stats: s.ledger.Stats(""), Scope: "global"}
	if s.runtime != nil {
		sys, err := s.runtime.SystemStats(ctx)
		if err != nil {
			s.logger.Warn("system stats unavailable", "error", err)
		} else {
			view.System = &sys
		}
	}
	return view, nil
}

// ListActiveDeployments returns running records with a live probe of each
// container, probed concurrently.
func (s Service) ListActiveDeployments(ctx context.Context, caller string) ([]ActiveDeployment, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	records := s.ledger.Active(caller)
	out := make([]ActiveDeployment, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for i, rec := range records {
		out[i] = ActiveDeployment{Deployment: rec}
		g.Go(func() error {
			out[i].Running, out[i].State = s.probe(gctx, rec.ContainerName)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s Service) probe(ctx context.Context, name string) (bool, string) {
	if s.runtime == nil || name == "" {
		return false, "unknown"
	}
	state, err := s.runtime.Inspect(ctx, name)
	if errors.Is(err, docker.ErrNotFound) {
		return false, "missing"
	}
	if err != nil {
		s.logger.Warn("container probe failed", "container", name, "error", err)
		return false, "unknown"
	}
	return state.Running, state.Status
}

// StopDeployment stops a record owned by caller.
func (s Service) StopDeployment(ctx context.Context, caller, id string) (domain.Deployment, error) {
	if err := requireCaller(caller); err != nil {
		return domain.Deployment{}, err
	}
	return s.deployer.Stop(ctx, id, ownedBy(caller))
}

// RestartDeployment relaunches a record owned by caller.
func (s Service) RestartDeployment(ctx context.Context, caller, id string) (domain.Deployment, error) {
	if err := requireCaller(caller); err != nil {
		return domain.Deployment{}, err
	}
	return s.deployer.Restart(ctx, id, ownedBy(caller))
}

// DeleteDeployment deletes a record owned by caller.
func (s Service) DeleteDeployment(ctx context.Context, caller, id string) (domain.Deployment, error) {
	if err := requireCaller(caller); err != nil {
		return domain.Deployment{}, err
	}
	return s.deployer.Delete(ctx, id, ownedBy(caller))
}

// GetLogs returns up to lines trailing log lines, clamped to [1, 5000] with a
// default of 100.
func (s Service) GetLogs(ctx context.Context, caller, id string, lines int) (Logs, error) {
	if err := requireCaller(caller); err != nil {
		return Logs{}, err
	}
	rec, err := s.ledger.Get(id)
	if errors.Is(err, ledger.ErrNotFound) {
		return Logs{}, domain.Errorf(domain.KindNotFound, "deployment %s not found", id)
	}
	if err != nil {
		return Logs{}, err
	}
	if err := ownedBy(caller)(rec); err != nil {
		return Logs{}, err
	}
	if rec.ContainerName == "" {
		return Logs{}, domain.Errorf(domain.KindInvalidInput, "deployment %s has no container", id)
	}
	if err := rec.Mutable(); err != nil {
		return Logs{}, err
	}
	switch {
	case lines <= 0:
		lines = defaultLogLines
	case lines > maxLogLines:
		lines = maxLogLines
	}
	out, err := s.runtime.Logs(ctx, rec.ContainerName, lines)
	if errors.Is(err, docker.ErrNotFound) {
		return Logs{}, domain.Errorf(domain.KindNotFound, "container for deployment %s is not running", id)
	}
	if err != nil {
		return Logs{}, domain.E(domain.KindRemoteExec, "", "read container logs", err)
	}
	if out == nil {
		out = []string{}
	}
	return Logs{DeploymentID: id, Lines: out}, nil
}

// Stacks lists the supported stacks.
func (s Service) Stacks() []stack.StackInfo {
	return s.deployer.Stacks()
}

// Health reports whether the managed host's engine answers.
func (s Service) Health(ctx context.Context) error {
	return s.deployer.Health(ctx)
}
