package deploy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/splax/launchpad/internal/docker"
	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/remote"
	"github.com/splax/launchpad/internal/workspace"
)

const goRepo = "https://github.com/ana/api"

func goFiles() map[string]string {
	return map[string]string{
		"go.mod":  "module example.com/api\n\ngo 1.24\n",
		"main.go": "package main\n\nfunc main() {}\n",
	}
}

func TestStartDeploysGoRepository(t *testing.T) {
	host := newFakeHost()
	host.addRepo(goRepo, goFiles())
	svc, led, events := newTestService(t, host, nil)

	res, err := svc.Start(context.Background(), Request{Owner: "ana", Repo: "api", CloneURL: goRepo, Credential: "s3cret"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	key := workspace.Key("ana", "api")
	if !res.Success || res.DetectedStack != "go" || res.ContainerHandle != key {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Port < 3000 || res.Port >= 3010 {
		t.Fatalf("port %d outside configured range", res.Port)
	}
	if !strings.HasPrefix(res.URL, "http://deploy.example:") {
		t.Fatalf("unexpected url %q", res.URL)
	}

	c, ok := host.container(key)
	if !ok || !c.running || c.containerPort != 8080 || c.hostPort != res.Port {
		t.Fatalf("unexpected container %+v (present %v)", c, ok)
	}
	recipe := host.dirs["/srv/apps/"+key]["Dockerfile"]
	if !strings.Contains(recipe, "EXPOSE 8080") {
		t.Fatalf("expected generated recipe, got %q", recipe)
	}

	rec, err := led.Get(res.RecordID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != domain.StatusSuccess || rec.Stack != "go" || rec.URL != res.URL || rec.Port != res.Port {
		t.Fatalf("unexpected record %+v", rec)
	}

	for _, cmd := range host.commands {
		if strings.Contains(cmd.Line(), "s3cret") {
			t.Fatalf("credential leaked into %q arguments", cmd.Description)
		}
		if cmd.Description == "clone repository" && string(cmd.Stdin) != "s3cret\n" {
			t.Fatalf("credential must travel on stdin, got %q", cmd.Stdin)
		}
	}
	if strings.Contains(rec.ErrorMessage, "s3cret") {
		t.Fatalf("credential leaked into ledger")
	}

	got := events.statuses()
	if got[0] != "queued:started" || got[len(got)-1] != "done:success" {
		t.Fatalf("unexpected event sequence %v", got)
	}
}

func TestStartTwiceKeepsOneLiveContainer(t *testing.T) {
	host := newFakeHost()
	host.addRepo(goRepo, goFiles())
	svc, led, _ := newTestService(t, host, nil)

	first, err := svc.Start(context.Background(), Request{Owner: "ana", Repo: "api", CloneURL: goRepo})
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	second, err := svc.Start(context.Background(), Request{Owner: "ana", Repo: "api", CloneURL: goRepo})
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if len(host.containers) != 1 {
		t.Fatalf("expected one container, got %d", len(host.containers))
	}
	c, _ := host.container(second.ContainerHandle)
	if c.hostPort != second.Port {
		t.Fatalf("live container bound to %d, want %d", c.hostPort, second.Port)
	}
	active := led.Active("ana")
	if len(active) != 1 || active[0].ID != second.RecordID {
		t.Fatalf("expected only the second record active, got %+v", active)
	}
	prev, _ := led.Get(first.RecordID)
	if prev.Status != domain.StatusStopped {
		t.Fatalf("expected superseded record stopped, got %s", prev.Status)
	}
}

func TestStartFetchFailureLeavesNothingBehind(t *testing.T) {
	host := newFakeHost()
	svc, led, _ := newTestService(t, host, nil)

	_, err := svc.Start(context.Background(), Request{Owner: "ana", Repo: "ghost", CloneURL: "https://github.com/ana/ghost"})
	if !errors.Is(err, domain.ErrFetch) {
		t.Fatalf("expected fetch error, got %v", err)
	}
	if stage := domain.StageOf(err); stage != StageFetch {
		t.Fatalf("expected fetch stage, got %q", stage)
	}
	if len(host.containers) != 0 || len(host.images) != 0 || len(host.dirs) != 0 {
		t.Fatalf("expected no leftovers, got containers=%d images=%d dirs=%d", len(host.containers), len(host.images), len(host.dirs))
	}
	list, _ := led.List("ana", 0)
	if len(list) != 1 || list[0].Status != domain.StatusFailed || list[0].FailedStage != StageFetch {
		t.Fatalf("unexpected ledger state %+v", list)
	}
	if strings.Contains(list[0].ErrorMessage, "git clone") {
		t.Fatalf("command text leaked into ledger: %q", list[0].ErrorMessage)
	}
}

func TestStartRejectsCredentialsInCloneURL(t *testing.T) {
	host := newFakeHost()
	svc, _, _ := newTestService(t, host, nil)
	_, err := svc.Start(context.Background(), Request{Owner: "ana", Repo: "api", CloneURL: "https://user:pw@github.com/ana/api"})
	if !errors.Is(err, domain.ErrFetch) {
		t.Fatalf("expected fetch error, got %v", err)
	}
	for _, cmd := range host.commands {
		if cmd.Description == "clone repository" {
			t.Fatalf("clone must not run for rejected references")
		}
	}
}

func TestStartValidatesRequest(t *testing.T) {
	svc, led, _ := newTestService(t, newFakeHost(), nil)
	cases := []Request{
		{Repo: "api", CloneURL: goRepo},
		{Owner: "ana", CloneURL: goRepo},
		{Owner: "ana", Repo: "api"},
		{Owner: "ana", Repo: "api", CloneURL: goRepo, StackHint: "cobol"},
	}
	for _, req := range cases {
		if _, err := svc.Start(context.Background(), req); !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("expected invalid request for %+v, got %v", req, err)
		}
	}
	if led.Len() != 0 {
		t.Fatalf("invalid requests must not be recorded")
	}
}

func TestStartKeepsRepositoryRecipe(t *testing.T) {
	host := newFakeHost()
	files := goFiles()
	files["Dockerfile"] = "FROM scratch\nEXPOSE 4000\n"
	host.addRepo(goRepo, files)
	svc, _, _ := newTestService(t, host, nil)

	res, err := svc.Start(context.Background(), Request{Owner: "ana", Repo: "api", CloneURL: goRepo})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := host.dirs["/srv/apps/"+res.ContainerHandle]["Dockerfile"]; got != files["Dockerfile"] {
		t.Fatalf("repository recipe overwritten: %q", got)
	}
	c, _ := host.container(res.ContainerHandle)
	if c.containerPort != 4000 {
		t.Fatalf("expected container port from EXPOSE, got %d", c.containerPort)
	}
	for _, cmd := range host.commands {
		if cmd.Description == "write recipe" {
			t.Fatalf("recipe must not be written when present")
		}
	}
}

func TestStackHintPolicy(t *testing.T) {
	t.Run("detection wins by default", func(t *testing.T) {
		host := newFakeHost()
		host.addRepo(goRepo, goFiles())
		svc, _, _ := newTestService(t, host, nil)
		res, err := svc.Start(context.Background(), Request{Owner: "ana", Repo: "api", CloneURL: goRepo, StackHint: "python"})
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		if res.DetectedStack != "go" || !res.StackOverridden {
			t.Fatalf("expected go with override flag, got %+v", res)
		}
	})

	t.Run("hint wins when configured", func(t *testing.T) {
		host := newFakeHost()
		host.addRepo(goRepo, goFiles())
		svc, _, _ := newTestService(t, host, func(s *Service) { s.cfg.StackHintWins = true })
		res, err := svc.Start(context.Background(), Request{Owner: "ana", Repo: "api", CloneURL: goRepo, StackHint: "python"})
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		if res.DetectedStack != "python" || res.StackOverridden {
			t.Fatalf("expected python, got %+v", res)
		}
	})

	t.Run("hint fills inconclusive detection", func(t *testing.T) {
		host := newFakeHost()
		host.addRepo("https://github.com/ana/docs", map[string]string{"README.md": "# docs\n"})
		svc, led, _ := newTestService(t, host, nil)
		res, err := svc.Start(context.Background(), Request{Owner: "ana", Repo: "docs", CloneURL: "https://github.com/ana/docs", StackHint: "rust"})
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		rec, _ := led.Get(res.RecordID)
		if res.DetectedStack != "rust" || rec.Stack != "rust" {
			t.Fatalf("expected rust, got %+v / %s", res, rec.Stack)
		}
	})
}

func TestStartRetriesPortCollisions(t *testing.T) {
	host := newFakeHost()
	host.addRepo(goRepo, goFiles())
	host.busyPorts[3001] = true
	draws := []int{1, 2}
	svc, _, _ := newTestService(t, host, func(s *Service) {
		s.intn = func(int) int {
			n := draws[0]
			if len(draws) > 1 {
				draws = draws[1:]
			}
			return n
		}
	})
	res, err := svc.Start(context.Background(), Request{Owner: "ana", Repo: "api", CloneURL: goRepo})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.Port != 3002 {
		t.Fatalf("expected retry onto 3002, got %d", res.Port)
	}
}

func TestStartFailsWhenPortsExhausted(t *testing.T) {
	host := newFakeHost()
	host.addRepo(goRepo, goFiles())
	for p := 3000; p < 3010; p++ {
		host.busyPorts[p] = true
	}
	svc, led, _ := newTestService(t, host, nil)
	_, err := svc.Start(context.Background(), Request{Owner: "ana", Repo: "api", CloneURL: goRepo})
	if domain.StageOf(err) != StageRun {
		t.Fatalf("expected run stage failure, got %v", err)
	}
	if len(host.images) != 0 {
		t.Fatalf("expected built image removed on failure")
	}
	list, _ := led.List("ana", 1)
	if list[0].Status != domain.StatusFailed || list[0].FailedStage != StageRun {
		t.Fatalf("unexpected record %+v", list[0])
	}
}

func TestStartVerificationFailureCleansUp(t *testing.T) {
	host := newFakeHost()
	host.addRepo(goRepo, goFiles())
	host.notRunning = true
	svc, _, events := newTestService(t, host, nil)

	_, err := svc.Start(context.Background(), Request{Owner: "ana", Repo: "api", CloneURL: goRepo})
	if !errors.Is(err, domain.ErrVerification) {
		t.Fatalf("expected verification failure, got %v", err)
	}
	if len(host.containers) != 0 || len(host.images) != 0 {
		t.Fatalf("expected container and image removed")
	}
	got := events.statuses()
	if got[len(got)-1] != "verify:failed" {
		t.Fatalf("expected final verify failure event, got %v", got)
	}
}

func TestStartBuildFailureIsRemoteExecError(t *testing.T) {
	host := newFakeHost()
	host.addRepo(goRepo, goFiles())
	host.buildErr = &remote.ExecError{Description: "build image", Detail: "compile error", ExitStatus: 1}
	svc, _, _ := newTestService(t, host, nil)

	_, err := svc.Start(context.Background(), Request{Owner: "ana", Repo: "api", CloneURL: goRepo})
	if !errors.Is(err, domain.ErrRemoteExec) || domain.StageOf(err) != StageBuild {
		t.Fatalf("expected remote exec failure at build, got %v", err)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	host := newFakeHost()
	host.addRepo(goRepo, goFiles())
	svc, led, _ := newTestService(t, host, nil)
	ctx := context.Background()

	res, err := svc.Start(ctx, Request{Owner: "ana", Repo: "api", CloneURL: goRepo})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := svc.Stop(ctx, res.RecordID, ownedBy("bo")); !errors.Is(err, domain.ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if _, ok := host.container(res.ContainerHandle); !ok {
		t.Fatalf("foreign stop must leave the container alone")
	}

	stopped, err := svc.Stop(ctx, res.RecordID, ownedBy("ana"))
	if err != nil || stopped.Status != domain.StatusStopped || stopped.StoppedAt == nil {
		t.Fatalf("Stop: %+v %v", stopped, err)
	}
	if _, ok := host.container(res.ContainerHandle); ok {
		t.Fatalf("expected container removed")
	}

	restarted, err := svc.Restart(ctx, res.RecordID, ownedBy("ana"))
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if restarted.Status != domain.StatusSuccess || restarted.Port != res.Port || restarted.RestartedAt == nil {
		t.Fatalf("unexpected restarted record %+v", restarted)
	}

	deleted, err := svc.Delete(ctx, res.RecordID, ownedBy("ana"))
	if err != nil || deleted.Status != domain.StatusDeleted {
		t.Fatalf("Delete: %+v %v", deleted, err)
	}
	if len(host.containers) != 0 || len(host.images) != 0 {
		t.Fatalf("expected delete to remove container and image")
	}
	if _, err := svc.Restart(ctx, res.RecordID, ownedBy("ana")); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected invalid state after delete, got %v", err)
	}
	if _, err := svc.Stop(ctx, "missing", ownedBy("ana")); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	stats := led.Stats("")
	if stats.TotalDeployments != 1 || stats.SuccessfulDeployments != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestAllocateSkipsActivePorts(t *testing.T) {
	host := newFakeHost()
	host.addRepo(goRepo, goFiles())
	svc, _, _ := newTestService(t, host, func(s *Service) {
		s.cfg.PortMin, s.cfg.PortMax = 3000, 3002
		s.intn = func(int) int { return 0 }
	})
	res, err := svc.Start(context.Background(), Request{Owner: "ana", Repo: "api", CloneURL: goRepo})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	port, err := svc.allocate(nil)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if port == res.Port {
		t.Fatalf("allocated a port held by an active record")
	}
	if _, err := svc.allocate(map[int]struct{}{3000: {}, 3001: {}}); err == nil {
		t.Fatalf("expected exhaustion error")
	}
}

func TestFailedRedeployLeavesLiveRecordInCharge(t *testing.T) {
	host := newFakeHost()
	host.addRepo(goRepo, goFiles())
	svc, led, _ := newTestService(t, host, nil)
	ctx := context.Background()

	live, err := svc.Start(ctx, Request{Owner: "ana", Repo: "api", CloneURL: goRepo})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := svc.Start(ctx, Request{Owner: "ana", Repo: "api", CloneURL: "https://github.com/ana/gone"}); !errors.Is(err, domain.ErrFetch) {
		t.Fatalf("expected fetch failure, got %v", err)
	}
	if owner, err := led.FindByContainer(live.ContainerHandle); err != nil || owner.ID != live.RecordID {
		t.Fatalf("handle resolved to %+v (%v), want %s", owner, err, live.RecordID)
	}

	if _, err := svc.Stop(ctx, live.RecordID, ownedBy("ana")); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, ok := host.container(live.ContainerHandle); ok {
		t.Fatalf("stop left the container running")
	}
	if _, err := svc.Restart(ctx, live.RecordID, ownedBy("ana")); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if c, ok := host.container(live.ContainerHandle); !ok || !c.running {
		t.Fatalf("expected container running after restart")
	}
	if _, err := svc.Delete(ctx, live.RecordID, ownedBy("ana")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(host.containers) != 0 || len(host.images) != 0 {
		t.Fatalf("delete left containers=%d images=%d", len(host.containers), len(host.images))
	}
}

// cancelOnRun cancels the caller's context as soon as a container starts.
type cancelOnRun struct {
	Runtime
	cancel context.CancelFunc
}

func (c cancelOnRun) RunContainer(ctx context.Context, spec docker.RunSpec) (docker.ContainerInfo, error) {
	info, err := c.Runtime.RunContainer(ctx, spec)
	c.cancel()
	return info, err
}

func TestStartSurvivesCallerCancellation(t *testing.T) {
	host := newFakeHost()
	host.addRepo(goRepo, goFiles())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc, led, _ := newTestService(t, host, func(s *Service) { s.runtime = cancelOnRun{Runtime: host, cancel: cancel} })

	res, err := svc.Start(ctx, Request{Owner: "ana", Repo: "api", CloneURL: goRepo})
	if err != nil {
		t.Fatalf("Start after caller left: %v", err)
	}
	if ctx.Err() == nil {
		t.Fatalf("caller context was never cancelled")
	}
	if c, ok := host.container(res.ContainerHandle); !ok || !c.running {
		t.Fatalf("expected container left running")
	}
	rec, _ := led.Get(res.RecordID)
	if rec.Status != domain.StatusSuccess {
		t.Fatalf("expected success recorded, got %s", rec.Status)
	}

	if _, err := svc.Stop(context.Background(), res.RecordID, ownedBy("ana")); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	rctx, rcancel := context.WithCancel(context.Background())
	defer rcancel()
	svc.runtime = cancelOnRun{Runtime: host, cancel: rcancel}
	if _, err := svc.Restart(rctx, res.RecordID, ownedBy("ana")); err != nil {
		t.Fatalf("Restart after caller left: %v", err)
	}
	if _, ok := host.container(res.ContainerHandle); !ok {
		t.Fatalf("expected restarted container")
	}
}

func TestRestartAvoidsPortTakenByAnotherRecord(t *testing.T) {
	const webRepo = "https://github.com/ana/web"
	host := newFakeHost()
	host.addRepo(goRepo, goFiles())
	host.addRepo(webRepo, goFiles())
	svc, _, _ := newTestService(t, host, func(s *Service) { s.intn = func(int) int { return 0 } })
	ctx := context.Background()

	api, err := svc.Start(ctx, Request{Owner: "ana", Repo: "api", CloneURL: goRepo})
	if err != nil {
		t.Fatalf("Start api: %v", err)
	}
	if _, err := svc.Stop(ctx, api.RecordID, ownedBy("ana")); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	web, err := svc.Start(ctx, Request{Owner: "ana", Repo: "web", CloneURL: webRepo})
	if err != nil {
		t.Fatalf("Start web: %v", err)
	}
	if web.Port != api.Port {
		t.Fatalf("expected the freed port %d reused, got %d", api.Port, web.Port)
	}

	restarted, err := svc.Restart(ctx, api.RecordID, ownedBy("ana"))
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if restarted.Port == web.Port {
		t.Fatalf("restart took port %d held by %s", web.Port, web.RecordID)
	}
	if c, _ := host.container(api.ContainerHandle); c.hostPort != restarted.Port {
		t.Fatalf("container bound to %d, record says %d", c.hostPort, restarted.Port)
	}
}
