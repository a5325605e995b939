package deploy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/splax/launchpad/internal/docker"
	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/ledger"
	"github.com/splax/launchpad/internal/remote"
	"github.com/splax/launchpad/internal/workspace"
	"github.com/splax/launchpad/pkg/config"
)

type fakeContainer struct {
	image         string
	hostPort      int
	containerPort int
	running       bool
}

// fakeHost plays both the remote shell and the container engine.
type fakeHost struct {
	mu         sync.Mutex
	repos      map[string]map[string]string
	dirs       map[string]map[string]string
	images     map[string]bool
	containers map[string]*fakeContainer
	busyPorts  map[int]bool
	commands   []remote.Command
	buildErr   error
	notRunning bool
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		repos:      make(map[string]map[string]string),
		dirs:       make(map[string]map[string]string),
		images:     make(map[string]bool),
		containers: make(map[string]*fakeContainer),
		busyPorts:  make(map[int]bool),
	}
}

func (h *fakeHost) addRepo(url string, files map[string]string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.repos[url] = files
}

func (h *fakeHost) Run(_ context.Context, cmd remote.Command) (remote.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, cmd)

	fail := func(detail string) (remote.Result, error) {
		return remote.Result{}, &remote.ExecError{Description: cmd.Description, Detail: detail, ExitStatus: 1}
	}
	switch cmd.Description {
	case "clear workspace", "remove workspace":
		delete(h.dirs, cmd.Args[2])
	case "create workspace":
		h.dirs[cmd.Args[2]] = make(map[string]string)
	case "clone repository":
		url, dir := cmd.Args[3], cmd.Args[4]
		files, ok := h.repos[url]
		if !ok {
			return fail("fatal: repository not found")
		}
		for name, body := range files {
			h.dirs[dir][name] = body
		}
	case "list workspace":
		var names []string
		for name := range h.dirs[cmd.Args[3]] {
			names = append(names, "./"+name)
		}
		sort.Strings(names)
		return remote.Result{Stdout: strings.Join(names, "\n")}, nil
	case "sample manifests":
		dir := h.dirs[cmd.Args[3]]
		var b strings.Builder
		for _, name := range cmd.Args[4:] {
			if body, ok := dir[name]; ok {
				b.WriteString(name + "\x00" + body + "\x00")
			}
		}
		return remote.Result{Stdout: b.String()}, nil
	case "write recipe":
		target := cmd.Args[3]
		h.dirs[path.Dir(target)][path.Base(target)] = string(cmd.Stdin)
	case "build image":
		if h.buildErr != nil {
			return remote.Result{}, h.buildErr
		}
		if _, ok := h.dirs[cmd.Args[3]]["Dockerfile"]; !ok {
			if _, ok := h.dirs[cmd.Args[3]]["dockerfile"]; !ok {
				return fail("no Dockerfile")
			}
		}
		h.images[cmd.Args[2]] = true
	default:
		return fail("unexpected command " + cmd.Description)
	}
	return remote.Result{}, nil
}

func (h *fakeHost) RunContainer(_ context.Context, spec docker.RunSpec) (docker.ContainerInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.images[spec.Image] {
		return docker.ContainerInfo{}, fmt.Errorf("no such image %s", spec.Image)
	}
	if _, ok := h.containers[spec.Name]; ok {
		return docker.ContainerInfo{}, fmt.Errorf("container name %s in use", spec.Name)
	}
	if h.busyPorts[spec.HostPort] {
		return docker.ContainerInfo{}, fmt.Errorf("container start: %w", docker.ErrPortInUse)
	}
	h.containers[spec.Name] = &fakeContainer{image: spec.Image, hostPort: spec.HostPort, containerPort: spec.ContainerPort, running: !h.notRunning}
	return docker.ContainerInfo{ID: "id-" + spec.Name}, nil
}

func (h *fakeHost) Inspect(_ context.Context, name string) (docker.State, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.containers[name]
	if !ok {
		return docker.State{}, docker.ErrNotFound
	}
	if c.running {
		return docker.State{Running: true, Status: "running"}, nil
	}
	return docker.State{Status: "exited"}, nil
}

func (h *fakeHost) RemoveContainer(_ context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.containers, name)
	return nil
}

func (h *fakeHost) RemoveImage(_ context.Context, ref string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.images, ref)
	return nil
}

func (h *fakeHost) Ping(context.Context) error { return nil }

func (h *fakeHost) container(name string) (fakeContainer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.containers[name]
	if !ok {
		return fakeContainer{}, false
	}
	return *c, true
}

type recordedEvents struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordedEvents) Publish(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordedEvents) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Stage+":"+e.Status)
	}
	return out
}

func testConfig() config.DeployerConfig {
	return config.DeployerConfig{
		RemoteHost:     "deploy.example",
		PublicHost:     "deploy.example",
		GitTimeout:     time.Minute,
		BuildTimeout:   time.Minute,
		PortMin:        3000,
		PortMax:        3010,
		PortRetries:    3,
		VerifyAttempts: 2,
		CleanupTimeout: time.Second,
	}
}

func newTestService(t *testing.T, host *fakeHost, mutate func(*Service)) (Service, *ledger.Ledger, *recordedEvents) {
	t.Helper()
	led, err := ledger.Open(context.Background(), ledger.NewMemoryStore(), ledger.Options{})
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	ws, err := workspace.New("/srv/apps")
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	events := &recordedEvents{}
	svc := New(host, host, ws, led, events, slog.New(slog.NewTextHandler(io.Discard, nil)), testConfig())
	if mutate != nil {
		mutate(&svc)
	}
	return svc, led, events
}

func ownedBy(owner string) Guard {
	return func(d domain.Deployment) error {
		if d.Owner != owner {
			return domain.E(domain.KindAuthorization, "", "not your deployment", nil)
		}
		return nil
	}
}
