package ledger

import (
	"sort"

	"github.com/splax/launchpad/internal/domain"
)

// contribute adds (sign=+1) or removes (sign=-1) one record's share of the
// aggregate counters. Every update is expressed as remove(old)+add(new), so
// incremental stats always equal a replay of the retained records.
func contribute(s *domain.Stats, rec domain.Deployment, sign int) {
	s.TotalDeployments += sign
	bump(s.StackStats, stackLabel(rec.Stack), sign)
	bump(s.PlatformStats, platformLabel(rec.Platform), sign)

	owner := s.OwnerStats[rec.Owner]
	owner.Deployments += sign
	switch rec.Outcome {
	case domain.StatusSuccess:
		s.SuccessfulDeployments += sign
		owner.Successes += sign
	case domain.StatusFailed:
		s.FailedDeployments += sign
		owner.Failures += sign
	}
	if owner == (domain.OwnerStats{}) {
		delete(s.OwnerStats, rec.Owner)
	} else {
		s.OwnerStats[rec.Owner] = owner
	}
}

func bump(m map[string]int, key string, sign int) {
	m[key] += sign
	if m[key] == 0 {
		delete(m, key)
	}
}

func stackLabel(stack string) string {
	if stack == "" {
		return "unknown"
	}
	return stack
}

func platformLabel(platform string) string {
	if platform == "" {
		return domain.DefaultPlatform
	}
	return platform
}

// replay recomputes counters from scratch.
func replay(records []domain.Deployment) domain.Stats {
	s := domain.NewStats()
	for _, rec := range records {
		contribute(&s, rec, 1)
	}
	return s
}

// ownerView builds the owner-scoped projection: the owner's cumulative
// counters plus stack and platform breakdowns from their retained records.
func ownerView(global domain.Stats, owner string, records []domain.Deployment) domain.Stats {
	view := domain.NewStats()
	counters := global.OwnerStats[owner]
	view.TotalDeployments = counters.Deployments
	view.SuccessfulDeployments = counters.Successes
	view.FailedDeployments = counters.Failures
	view.OwnerStats[owner] = counters
	for _, rec := range records {
		if rec.Owner != owner {
			continue
		}
		view.StackStats[stackLabel(rec.Stack)]++
		view.PlatformStats[platformLabel(rec.Platform)]++
	}
	view.LastUpdated = global.LastUpdated
	return view
}

func sortByCreation(records []domain.Deployment) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}
