package stack

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// MaxSampleBytes bounds how much of a file is read for pattern matching.
const MaxSampleBytes = 64 << 10

// Listing is a workspace snapshot: relative file paths and the contents of
// the sampled subset.
type Listing struct {
	Paths    []string
	Contents map[string]string
}

// Result is the outcome of a classification.
type Result struct {
	Stack  string         `json:"stack"`
	Scores map[string]int `json:"scores"`
	// Conclusive is false when no profile found positive evidence and Stack
	// is the default.
	Conclusive bool `json:"conclusive"`
}

// Classifier scores listings against a detection table.
type Classifier struct {
	profiles []Profile
	index    map[string]int
	fallback string
}

// NewClassifier validates the table and returns a classifier for it.
func NewClassifier(profiles []Profile, fallback string) (*Classifier, error) {
	index := make(map[string]int, len(profiles))
	for i, p := range profiles {
		if strings.TrimSpace(p.ID) == "" {
			return nil, fmt.Errorf("profile %d has no id", i)
		}
		if _, dup := index[p.ID]; dup {
			return nil, fmt.Errorf("duplicate profile id %q", p.ID)
		}
		if p.MarkerWeight < 0 {
			return nil, fmt.Errorf("profile %q has negative marker weight", p.ID)
		}
		for _, pat := range p.Patterns {
			if pat.Expr == nil || pat.File == "" || pat.Weight <= 0 {
				return nil, fmt.Errorf("profile %q has an invalid pattern", p.ID)
			}
		}
		index[p.ID] = i
	}
	for _, p := range profiles {
		if p.Parent == "" {
			continue
		}
		if _, ok := index[p.Parent]; !ok {
			return nil, fmt.Errorf("profile %q references unknown parent %q", p.ID, p.Parent)
		}
		if err := checkAncestry(profiles, index, p.ID); err != nil {
			return nil, err
		}
	}
	if _, ok := index[fallback]; !ok {
		return nil, fmt.Errorf("fallback stack %q is not in the table", fallback)
	}
	return &Classifier{profiles: profiles, index: index, fallback: fallback}, nil
}

func checkAncestry(profiles []Profile, index map[string]int, id string) error {
	seen := map[string]bool{}
	for cur := id; cur != ""; cur = profiles[index[cur]].Parent {
		if seen[cur] {
			return fmt.Errorf("profile %q has a parent cycle", id)
		}
		seen[cur] = true
	}
	return nil
}

// Default returns a classifier over DefaultProfiles.
func Default() *Classifier {
	c, err := NewClassifier(DefaultProfiles, DefaultStack)
	if err != nil {
		panic(err)
	}
	return c
}

// Profiles returns the table in declaration order.
func (c *Classifier) Profiles() []Profile {
	out := make([]Profile, len(c.profiles))
	copy(out, c.profiles)
	return out
}

// SampleFiles lists the paths whose content the classifier wants to see,
// restricted to files present in paths. At most max entries are returned.
func (c *Classifier) SampleFiles(paths []string, max int) []string {
	present := normalise(paths)
	wanted := make(map[string]struct{})
	for _, p := range c.profiles {
		for _, pat := range p.Patterns {
			if _, ok := present[pat.File]; ok {
				wanted[pat.File] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(wanted))
	for f := range wanted {
		out = append(out, f)
	}
	sort.Strings(out)
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

// Classify picks the best matching stack. It never fails: without evidence
// the fallback stack is returned.
func (c *Classifier) Classify(l Listing) Result {
	present := normalise(l.Paths)
	contents := make(map[string]string, len(l.Contents))
	for p, body := range l.Contents {
		if len(body) > MaxSampleBytes {
			body = body[:MaxSampleBytes]
		}
		contents[cleanPath(p)] = body
	}

	own := make([]int, len(c.profiles))
	for i, p := range c.profiles {
		for _, m := range p.Markers {
			if _, ok := present[m]; ok {
				own[i] += p.MarkerWeight
				break
			}
		}
		for _, pat := range p.Patterns {
			if body, ok := contents[pat.File]; ok && pat.Expr.MatchString(body) {
				own[i] += pat.Weight
			}
		}
	}

	scores := make(map[string]int, len(c.profiles))
	for i, p := range c.profiles {
		scores[p.ID] = c.total(i, own)
	}

	best := -1
	for i, p := range c.profiles {
		s := scores[p.ID]
		if s <= 0 {
			continue
		}
		if best < 0 || s > scores[c.profiles[best].ID] {
			best = i
			continue
		}
		if s == scores[c.profiles[best].ID] && p.Priority < c.profiles[best].Priority {
			best = i
		}
	}
	if best < 0 {
		return Result{Stack: c.fallback, Scores: scores}
	}
	return Result{Stack: c.profiles[best].ID, Scores: scores, Conclusive: true}
}

func (c *Classifier) total(i int, own []int) int {
	if own[i] <= 0 {
		return 0
	}
	score := own[i]
	if parent := c.profiles[i].Parent; parent != "" {
		score += c.total(c.index[parent], own)
	}
	return score
}

func normalise(paths []string) map[string]struct{} {
	out := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		if cleaned := cleanPath(p); cleaned != "" {
			out[cleaned] = struct{}{}
		}
	}
	return out
}

func cleanPath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return ""
	}
	p = path.Clean(p)
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}
