package stack

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"text/template"

	"github.com/splax/launchpad/internal/domain"
)

// RecipeFile is the build recipe file name written into a workspace.
const RecipeFile = "Dockerfile"

// RecipeFiles are names that count as a caller-authored recipe.
var RecipeFiles = []string{"Dockerfile", "dockerfile"}

// Recipe maps a stack onto container build instructions.
type Recipe struct {
	Stack       string
	DefaultPort int
	Template    string
}

// StackInfo is the public view of a registered stack.
type StackInfo struct {
	ID          string `json:"stack_id"`
	DefaultPort int    `json:"default_port"`
}

// UnknownStackError reports a stack without a registered recipe.
type UnknownStackError struct {
	Stack string
}

func (e *UnknownStackError) Error() string {
	return fmt.Sprintf("no recipe registered for stack %q", e.Stack)
}

// Is lets errors.Is(err, domain.ErrUnknownStack) match.
func (e *UnknownStackError) Is(target error) bool {
	return target == domain.ErrUnknownStack
}

type compiledRecipe struct {
	Recipe
	tmpl *template.Template
}

// Registry is an immutable stack to recipe lookup.
type Registry struct {
	recipes map[string]compiledRecipe
}

type recipeData struct {
	Port int
}

// NewRegistry compiles recipes and checks that each one declares its port.
func NewRegistry(recipes []Recipe) (*Registry, error) {
	r := &Registry{recipes: make(map[string]compiledRecipe, len(recipes))}
	for _, rec := range recipes {
		if rec.Stack == "" {
			return nil, fmt.Errorf("recipe without stack id")
		}
		if _, dup := r.recipes[rec.Stack]; dup {
			return nil, fmt.Errorf("duplicate recipe for %q", rec.Stack)
		}
		if rec.DefaultPort <= 0 || rec.DefaultPort > 65535 {
			return nil, fmt.Errorf("recipe %q has invalid port %d", rec.Stack, rec.DefaultPort)
		}
		tmpl, err := template.New(rec.Stack).Option("missingkey=error").Parse(rec.Template)
		if err != nil {
			return nil, fmt.Errorf("parse recipe %q: %w", rec.Stack, err)
		}
		compiled := compiledRecipe{Recipe: rec, tmpl: tmpl}
		out, err := compiled.render()
		if err != nil {
			return nil, fmt.Errorf("render recipe %q: %w", rec.Stack, err)
		}
		expose := regexp.MustCompile(fmt.Sprintf(`(?m)^EXPOSE\s+%d(/tcp)?\s*$`, rec.DefaultPort))
		if !expose.MatchString(out) {
			return nil, fmt.Errorf("recipe %q does not expose port %d", rec.Stack, rec.DefaultPort)
		}
		r.recipes[rec.Stack] = compiled
	}
	return r, nil
}

var exposeLine = regexp.MustCompile(`(?mi)^\s*EXPOSE\s+(\d+)`)

// ExposedPort returns the first port declared by an EXPOSE instruction.
func ExposedPort(recipe string) (int, bool) {
	m := exposeLine.FindStringSubmatch(recipe)
	if m == nil {
		return 0, false
	}
	port, err := strconv.Atoi(m[1])
	if err != nil || port <= 0 || port > 65535 {
		return 0, false
	}
	return port, true
}

// HasRecipe reports whether paths include a recipe file at the workspace root.
func HasRecipe(paths []string) (string, bool) {
	present := normalise(paths)
	for _, name := range RecipeFiles {
		if _, ok := present[name]; ok {
			return name, true
		}
	}
	return "", false
}

// DefaultRegistry returns the built-in recipes.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultRecipes)
	if err != nil {
		panic(err)
	}
	return r
}

func (c compiledRecipe) render() (string, error) {
	var buf bytes.Buffer
	if err := c.tmpl.Execute(&buf, recipeData{Port: c.DefaultPort}); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RecipeFor returns the recipe registered for a stack.
func (r *Registry) RecipeFor(stackID string) (Recipe, error) {
	rec, ok := r.recipes[stackID]
	if !ok {
		return Recipe{}, &UnknownStackError{Stack: stackID}
	}
	return rec.Recipe, nil
}

// Render returns the build file for a stack with its default port applied.
func (r *Registry) Render(stackID string) (string, int, error) {
	rec, ok := r.recipes[stackID]
	if !ok {
		return "", 0, &UnknownStackError{Stack: stackID}
	}
	out, err := rec.render()
	if err != nil {
		return "", 0, fmt.Errorf("render recipe %q: %w", stackID, err)
	}
	return out, rec.DefaultPort, nil
}

// DefaultPort returns the internal port of a stack.
func (r *Registry) DefaultPort(stackID string) (int, error) {
	rec, ok := r.recipes[stackID]
	if !ok {
		return 0, &UnknownStackError{Stack: stackID}
	}
	return rec.DefaultPort, nil
}

// Stacks lists every registered stack sorted by id.
func (r *Registry) Stacks() []StackInfo {
	out := make([]StackInfo, 0, len(r.recipes))
	for id, rec := range r.recipes {
		out = append(out, StackInfo{ID: id, DefaultPort: rec.DefaultPort})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
