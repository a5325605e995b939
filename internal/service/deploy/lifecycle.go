package deploy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/ledger"
)

// Guard is checked against the current record, both before touching the
// engine and again under the ledger lock when the transition is recorded.
type Guard func(domain.Deployment) error

func (g Guard) check(d domain.Deployment) error {
	if g != nil {
		if err := g(d); err != nil {
			return err
		}
	}
	return d.Mutable()
}

func (s Service) load(id string, guard Guard) (domain.Deployment, error) {
	rec, err := s.ledger.Get(id)
	if errors.Is(err, ledger.ErrNotFound) {
		return domain.Deployment{}, domain.E(domain.KindNotFound, "", "deployment "+id+" not found", nil)
	}
	if err != nil {
		return domain.Deployment{}, err
	}
	if err := guard.check(rec); err != nil {
		return domain.Deployment{}, err
	}
	return rec, nil
}

// ownsContainer reports whether rec is the record holding its container name,
// i.e. the one whose container the engine is actually running.
func (s Service) ownsContainer(rec domain.Deployment) bool {
	if rec.ContainerName == "" {
		return false
	}
	latest, err := s.ledger.FindByContainer(rec.ContainerName)
	return err == nil && latest.ID == rec.ID
}

func (s Service) record(ctx context.Context, id string, guard Guard, status domain.Status, f ledger.Fields) (domain.Deployment, error) {
	updated, err := s.ledger.UpdateIf(ctx, id, guard.check, status, f)
	if errors.Is(err, ledger.ErrNotFound) {
		return domain.Deployment{}, domain.E(domain.KindNotFound, "", "deployment "+id+" not found", nil)
	}
	return updated, err
}

// Stop removes the running container and marks the record stopped.
func (s Service) Stop(ctx context.Context, id string, guard Guard) (domain.Deployment, error) {
	rec, err := s.load(id, guard)
	if err != nil {
		return domain.Deployment{}, err
	}
	if rec.ContainerName == "" {
		return domain.Deployment{}, domain.Errorf(domain.KindInvalidState, "deployment %s has no container", id)
	}
	if s.ownsContainer(rec) {
		if err := s.runtime.RemoveContainer(ctx, rec.ContainerName); err != nil {
			return domain.Deployment{}, domain.E(domain.KindRemoteExec, "", "stop container", err)
		}
	}
	now := time.Now().UTC()
	updated, err := s.record(ctx, id, guard, domain.StatusStopped, ledger.Fields{StoppedAt: &now})
	if err != nil {
		return domain.Deployment{}, err
	}
	s.logger.Info("deployment stopped", "deployment_id", id, "container", rec.ContainerName)
	s.publish(updated, "stop", "stopped", "deployment stopped")
	return updated, nil
}

// Restart runs the recorded image again, on the recorded port unless another
// active record or in-flight launch holds it.
func (s Service) Restart(ctx context.Context, id string, guard Guard) (domain.Deployment, error) {
	rec, err := s.load(id, guard)
	if err != nil {
		return domain.Deployment{}, err
	}
	if rec.ImageName == "" || rec.ContainerName == "" || rec.Status == domain.StatusInProgress {
		return domain.Deployment{}, domain.Errorf(domain.KindInvalidState, "deployment %s cannot be restarted while %s", id, rec.Status)
	}
	if !s.ownsContainer(rec) {
		return domain.Deployment{}, domain.Errorf(domain.KindInvalidState, "deployment %s was superseded by a newer deployment", id)
	}
	containerPort := rec.ContainerPort
	if containerPort <= 0 {
		if containerPort, err = s.recipes.DefaultPort(rec.Stack); err != nil {
			return domain.Deployment{}, domain.E(domain.KindUnknownStack, "", "", err)
		}
	}

	// Past this point the old container is gone; finish even if the caller leaves.
	ctx = context.WithoutCancel(ctx)
	log := s.logger.With("deployment_id", id, "container", rec.ContainerName)
	if err := s.runtime.RemoveContainer(ctx, rec.ContainerName); err != nil {
		return domain.Deployment{}, domain.E(domain.KindRemoteExec, StageRun, "remove container", err)
	}
	port, err := s.launch(ctx, log, rec.ID, rec.ContainerName, rec.ImageName, containerPort, rec.Port)
	if err != nil {
		return domain.Deployment{}, classify(StageRun, err)
	}
	defer s.ports.release(port)

	if err := s.verify(ctx, rec.ContainerName); err != nil {
		s.removeQuietly(ctx, rec.ContainerName, log)
		return domain.Deployment{}, err
	}

	now := time.Now().UTC()
	updated, err := s.record(ctx, id, guard, domain.StatusSuccess, ledger.Fields{
		URL:           ledger.Ptr(s.publicURL(port)),
		Port:          ledger.Ptr(port),
		ContainerPort: ledger.Ptr(containerPort),
		RestartedAt:   &now,
	})
	if err != nil {
		s.removeQuietly(ctx, rec.ContainerName, log)
		return domain.Deployment{}, err
	}
	log.Info("deployment restarted", "url", updated.URL, "port", port)
	s.publish(updated, "restart", "success", updated.URL)
	return updated, nil
}

// Delete removes container and image best effort and marks the record
// deleted. Deleted records accept no further transitions.
func (s Service) Delete(ctx context.Context, id string, guard Guard) (domain.Deployment, error) {
	rec, err := s.load(id, guard)
	if err != nil {
		return domain.Deployment{}, err
	}
	log := s.logger.With("deployment_id", id, "container", rec.ContainerName)
	if s.ownsContainer(rec) {
		s.removeQuietly(ctx, rec.ContainerName, log)
		if rec.ImageName != "" {
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CleanupTimeout)
			if err := s.runtime.RemoveImage(cctx, rec.ImageName); err != nil {
				log.Warn("image removal failed", "image", rec.ImageName, "error", err)
			}
			cancel()
		}
	}
	now := time.Now().UTC()
	updated, err := s.record(ctx, id, guard, domain.StatusDeleted, ledger.Fields{DeletedAt: &now})
	if err != nil {
		return domain.Deployment{}, err
	}
	log.Info("deployment deleted")
	s.publish(updated, "delete", "deleted", "deployment deleted")
	return updated, nil
}

func (s Service) removeQuietly(ctx context.Context, name string, log *slog.Logger) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CleanupTimeout)
	defer cancel()
	if err := s.runtime.RemoveContainer(cctx, name); err != nil {
		log.Warn("container removal failed", "error", err)
	}
}
