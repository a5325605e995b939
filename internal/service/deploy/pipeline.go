package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/git"
	"github.com/splax/launchpad/internal/ledger"
	"github.com/splax/launchpad/internal/remote"
	"github.com/splax/launchpad/internal/stack"
	"github.com/splax/launchpad/internal/workspace"
)

// fetchScript clones "$1" into "$2". The credential arrives as the first
// stdin line and only ever lives in the environment of the git process.
const fetchScript = `IFS= read -r LAUNCHPAD_GIT_TOKEN || true
export LAUNCHPAD_GIT_TOKEN GIT_TERMINAL_PROMPT=0
if [ -n "$LAUNCHPAD_GIT_TOKEN" ]; then
	exec git -c credential.helper= -c 'credential.helper=!f() { echo username=x-access-token; echo "password=$LAUNCHPAD_GIT_TOKEN"; }; f' clone --depth 1 -- "$1" "$2"
fi
exec git clone --depth 1 -- "$1" "$2"`

const writeRecipeScript = `cat > "$1"`

// attempt carries state between pipeline stages.
type attempt struct {
	req           Request
	rec           domain.Deployment
	key           string
	dir           string
	stack         string
	overridden    bool
	recipeName    string
	recipeBody    string
	containerPort int
	port          int
	buildTime     time.Duration
	imageBuilt    bool
	started       bool
	log           *slog.Logger
}

type step struct {
	stage   string
	message string
	run     func(context.Context, *attempt) error
}

func (s Service) steps() []step {
	return []step{
		{StageWorkspace, "preparing workspace", s.prepareWorkspace},
		{StageFetch, "fetching source", s.fetchSource},
		{StageDetect, "detecting stack", s.detectStack},
		{StageRecipe, "emitting recipe", s.emitRecipe},
		{StageBuild, "building image", s.buildImage},
		{StageRun, "starting container", s.runContainer},
		{StageVerify, "verifying container", s.verifyContainer},
	}
}

// Start runs one deployment attempt to completion, ignoring cancellation of
// ctx once the request is accepted. Failures are recorded in the ledger and
// returned as *domain.Error tagged with the failed stage.
func (s Service) Start(ctx context.Context, req Request) (Result, error) {
	req.Owner = strings.TrimSpace(req.Owner)
	req.Repo = strings.TrimSpace(req.Repo)
	req.CloneURL = strings.TrimSpace(req.CloneURL)
	req.StackHint = strings.TrimSpace(req.StackHint)
	if err := s.validateRequest(req); err != nil {
		return Result{}, err
	}
	// An accepted attempt runs to completion when the caller goes away; the
	// per-command timeouts bound every stage.
	ctx = context.WithoutCancel(ctx)

	key := workspace.Key(req.Owner, req.Repo)
	initial := req.StackHint
	if initial == "" {
		initial = "unknown"
	}
	rec, err := s.ledger.Append(ctx, domain.Deployment{
		Owner:         req.Owner,
		RepoName:      req.Repo,
		Platform:      strings.TrimSpace(req.Platform),
		Stack:         initial,
		ContainerName: key,
		ImageName:     key,
	})
	if err != nil {
		return Result{}, domain.E(domain.KindInternal, "", "record deployment", err)
	}

	a := &attempt{
		req: req,
		rec: rec,
		key: key,
		log: s.logger.With("deployment_id", rec.ID, "owner", req.Owner, "repo", req.Repo),
	}
	defer func() { s.ports.release(a.port) }()

	a.log.Info("deployment started", "key", key, "stack_hint", req.StackHint)
	s.publish(rec, "queued", "started", "deployment queued")

	for _, st := range s.steps() {
		s.publish(rec, st.stage, "started", st.message)
		if err := st.run(ctx, a); err != nil {
			return Result{}, s.fail(ctx, a, st.stage, err)
		}
		s.publish(rec, st.stage, "completed", st.message)
	}
	return s.succeed(ctx, a)
}

func (s Service) prepareWorkspace(ctx context.Context, a *attempt) error {
	dir, cmds, err := s.workspace.PrepareCommands(a.key)
	if err != nil {
		return domain.E(domain.KindInvalidInput, StageWorkspace, "invalid workspace key", err)
	}
	a.dir = dir
	for _, cmd := range cmds {
		if _, err := s.exec.Run(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

func (s Service) fetchSource(ctx context.Context, a *attempt) error {
	if _, err := git.ValidateCloneURL(a.req.CloneURL); err != nil {
		return domain.E(domain.KindFetch, StageFetch, "invalid clone reference", err)
	}
	cmd := remote.Script("clone repository", fetchScript, a.req.CloneURL, a.dir)
	cmd.Stdin = []byte(a.req.Credential + "\n")
	cmd.Timeout = s.cfg.GitTimeout
	if _, err := s.exec.Run(ctx, cmd); err != nil {
		return domain.E(domain.KindFetch, StageFetch, "repository could not be cloned", err)
	}
	return nil
}

func (s Service) detectStack(ctx context.Context, a *attempt) error {
	out, err := s.exec.Run(ctx, remote.Script("list workspace", stack.ListScript, a.dir))
	if err != nil {
		return err
	}
	paths := stack.ParseFindOutput(out.Stdout)

	sample := s.classifier.SampleFiles(paths, stack.MaxSampledFiles)
	if name, ok := stack.HasRecipe(paths); ok {
		a.recipeName = name
		sample = append(sample, name)
	}
	contents := map[string]string{}
	if len(sample) > 0 {
		out, err := s.exec.Run(ctx, remote.Script("sample manifests", stack.SampleScript, append([]string{a.dir}, sample...)...))
		if err != nil {
			return err
		}
		contents = stack.ParseSamples(out.Stdout)
	}
	if a.recipeName != "" {
		a.recipeBody = contents[a.recipeName]
	}

	result := s.classifier.Classify(stack.Listing{Paths: paths, Contents: contents})
	a.stack, a.overridden = s.chooseStack(a.req.StackHint, result)
	a.log.Info("stack detected",
		"detected", result.Stack,
		"conclusive", result.Conclusive,
		"chosen", a.stack,
		"stack_hint", a.req.StackHint,
		"files", len(paths),
	)
	if a.overridden {
		a.log.Warn("stack hint overridden by detection", "stack_hint", a.req.StackHint, "detected", result.Stack)
	}

	if _, err := s.ledger.UpdateStatus(ctx, a.rec.ID, domain.StatusInProgress, ledger.Fields{Stack: ledger.Ptr(a.stack)}); err != nil {
		return domain.E(domain.KindInternal, StageDetect, "record detected stack", err)
	}
	return nil
}

// chooseStack applies the hint policy: detection wins unless it found no
// evidence, or the operator configured hints to win.
func (s Service) chooseStack(hint string, result stack.Result) (string, bool) {
	if hint == "" || hint == result.Stack {
		return result.Stack, false
	}
	if !result.Conclusive || s.cfg.StackHintWins {
		return hint, false
	}
	return result.Stack, true
}

func (s Service) emitRecipe(ctx context.Context, a *attempt) error {
	if a.recipeName != "" {
		port, ok := stack.ExposedPort(a.recipeBody)
		if !ok {
			var err error
			if port, err = s.recipes.DefaultPort(a.stack); err != nil {
				return err
			}
		}
		a.containerPort = port
		a.log.Info("keeping repository recipe", "file", a.recipeName, "container_port", port)
		return nil
	}

	body, port, err := s.recipes.Render(a.stack)
	if err != nil {
		return err
	}
	cmd := remote.Script("write recipe", writeRecipeScript, path.Join(a.dir, stack.RecipeFile))
	cmd.Stdin = []byte(body)
	if _, err := s.exec.Run(ctx, cmd); err != nil {
		return err
	}
	a.containerPort = port
	return nil
}

func (s Service) buildImage(ctx context.Context, a *attempt) error {
	start := time.Now()
	_, err := s.exec.Run(ctx, remote.Command{
		Description: "build image",
		Program:     "docker",
		Args:        []string{"build", "-t", a.key, a.dir},
		Timeout:     s.cfg.BuildTimeout,
	})
	if err != nil {
		return err
	}
	a.imageBuilt = true
	a.buildTime = time.Since(start)
	a.log.Info("image built", "image", a.key, "duration_ms", a.buildTime.Milliseconds())
	return nil
}

func (s Service) runContainer(ctx context.Context, a *attempt) error {
	if err := s.runtime.RemoveContainer(ctx, a.key); err != nil {
		return fmt.Errorf("remove previous container: %w", err)
	}
	s.supersede(ctx, a)

	port, err := s.launch(ctx, a.log, a.rec.ID, a.key, a.key, a.containerPort, 0)
	if err != nil {
		return err
	}
	a.port = port
	a.started = true
	if _, err := s.ledger.UpdateStatus(ctx, a.rec.ID, domain.StatusInProgress, ledger.Fields{
		Port:          ledger.Ptr(port),
		ContainerPort: ledger.Ptr(a.containerPort),
	}); err != nil {
		return domain.E(domain.KindInternal, StageRun, "record port", err)
	}
	return nil
}

// supersede marks earlier running records for the same container as stopped;
// their container was just replaced.
func (s Service) supersede(ctx context.Context, a *attempt) {
	for _, old := range s.ledger.Active(a.rec.Owner) {
		if old.ID == a.rec.ID || old.ContainerName != a.key {
			continue
		}
		now := time.Now().UTC()
		_, err := s.ledger.UpdateIf(ctx, old.ID, requireStatus(domain.StatusSuccess), domain.StatusStopped, ledger.Fields{StoppedAt: &now})
		if err != nil {
			a.log.Warn("superseded record not updated", "previous_id", old.ID, "error", err)
			continue
		}
		a.log.Info("previous deployment superseded", "previous_id", old.ID)
	}
}

func (s Service) verifyContainer(ctx context.Context, a *attempt) error {
	return s.verify(ctx, a.key)
}

func (s Service) verify(ctx context.Context, name string) error {
	status := "unknown"
	for i := 0; i < s.cfg.VerifyAttempts; i++ {
		if err := s.sleep(ctx, s.cfg.VerifyInterval); err != nil {
			return domain.E(domain.KindVerification, StageVerify, "verification interrupted", err)
		}
		state, err := s.runtime.Inspect(ctx, name)
		if err != nil {
			status = "missing"
			continue
		}
		if state.Running {
			return nil
		}
		status = state.Status
	}
	return domain.E(domain.KindVerification, StageVerify, fmt.Sprintf("container not running (last status %q)", status), nil)
}

func (s Service) succeed(ctx context.Context, a *attempt) (Result, error) {
	url := s.publicURL(a.port)
	updated, err := s.ledger.UpdateIf(ctx, a.rec.ID, domain.Deployment.Mutable, domain.StatusSuccess, ledger.Fields{
		Stack:        ledger.Ptr(a.stack),
		URL:          ledger.Ptr(url),
		Port:         ledger.Ptr(a.port),
		BuildTime:    ledger.Ptr(a.buildTime),
		ErrorMessage: ledger.Ptr(""),
		FailedStage:  ledger.Ptr(""),
	})
	if err != nil {
		a.log.Error("recording success failed", "error", err)
		return Result{}, domain.E(domain.KindInternal, "", "record deployment result", err)
	}
	a.log.Info("deployment completed", "url", url, "stack", a.stack, "port", a.port)
	s.publish(updated, "done", "success", url)
	return Result{
		Success:         true,
		RecordID:        updated.ID,
		URL:             url,
		Port:            a.port,
		DetectedStack:   a.stack,
		ContainerHandle: a.key,
		StackOverridden: a.overridden,
		BuildTimeMS:     a.buildTime.Milliseconds(),
	}, nil
}

// fail classifies err, removes what this attempt created and records the
// failure. Cleanup problems are logged only.
func (s Service) fail(ctx context.Context, a *attempt, stage string, err error) error {
	derr := classify(stage, err)
	a.log.Error("deployment failed", "stage", stage, "error", derr)
	s.cleanup(ctx, a)

	_, uerr := s.ledger.UpdateIf(context.WithoutCancel(ctx), a.rec.ID, domain.Deployment.Mutable, domain.StatusFailed, ledger.Fields{
		Stack:        ledger.Ptr(a.recordedStack()),
		ErrorMessage: ledger.Ptr(derr.Error()),
		FailedStage:  ledger.Ptr(stage),
		BuildTime:    ledger.Ptr(a.buildTime),
	})
	if uerr != nil {
		a.log.Error("recording failure failed", "error", uerr)
	}
	s.publish(a.rec, stage, "failed", derr.Error())
	return derr
}

func (a *attempt) recordedStack() string {
	if a.stack != "" {
		return a.stack
	}
	if a.req.StackHint != "" {
		return a.req.StackHint
	}
	return "unknown"
}

func classify(stage string, err error) *domain.Error {
	var derr *domain.Error
	if errors.As(err, &derr) && derr.Stage != "" {
		return derr
	}
	if derr != nil {
		tagged := *derr
		tagged.Stage = stage
		return &tagged
	}
	kind := domain.KindRemoteExec
	switch {
	case errors.Is(err, domain.ErrUnknownStack):
		kind = domain.KindUnknownStack
	case stage == StageFetch:
		kind = domain.KindFetch
	case stage == StageVerify:
		kind = domain.KindVerification
	}
	return domain.E(kind, stage, "", err)
}

func (s Service) cleanup(parent context.Context, a *attempt) {
	base := context.WithoutCancel(parent)
	run := func(what string, fn func(context.Context) error) {
		ctx, cancel := context.WithTimeout(base, s.cfg.CleanupTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			a.log.Warn("cleanup step failed", "step", what, "error", err)
		}
	}
	if a.started {
		run("remove container", func(ctx context.Context) error { return s.runtime.RemoveContainer(ctx, a.key) })
	}
	if a.imageBuilt {
		run("remove image", func(ctx context.Context) error { return s.runtime.RemoveImage(ctx, a.key) })
	}
	if a.dir != "" {
		run("remove workspace", func(ctx context.Context) error {
			cmd, err := s.workspace.CleanupCommand(a.dir)
			if err != nil {
				return err
			}
			_, err = s.exec.Run(ctx, cmd)
			return err
		})
	}
}

func requireStatus(want domain.Status) func(domain.Deployment) error {
	return func(d domain.Deployment) error {
		if d.Status != want {
			return domain.E(domain.KindInvalidState, "", fmt.Sprintf("deployment %s is %s", d.ID, d.Status), nil)
		}
		return nil
	}
}
