package stack

import "regexp"

// DefaultStack is returned when no profile finds positive evidence.
const DefaultStack = "nodejs"

// Pattern is a weighted content signature checked against one sampled file.
type Pattern struct {
	File   string
	Expr   *regexp.Regexp
	Weight int
}

// Profile is one row of the detection table.
//
// A profile scores MarkerWeight when any of its Markers exists, plus the
// weight of every matching Pattern. A profile with a Parent is a
// specialisation: once it has evidence of its own, the parent's score is
// added on top so the specific stack outranks the general one.
type Profile struct {
	ID           string
	Parent       string
	Markers      []string
	MarkerWeight int
	Patterns     []Pattern
	// Priority orders tied profiles; lower means more general.
	Priority int
}

func pattern(file, expr string, weight int) Pattern {
	return Pattern{File: file, Expr: regexp.MustCompile(expr), Weight: weight}
}

// DefaultProfiles is the built-in detection table.
var DefaultProfiles = []Profile{
	{
		ID:           "nodejs",
		Markers:      []string{"package.json"},
		MarkerWeight: 2,
		Priority:     0,
	},
	{
		ID:           "react",
		Parent:       "nodejs",
		Markers:      []string{"src/App.jsx", "src/App.tsx", "src/App.js"},
		MarkerWeight: 4,
		Patterns: []Pattern{
			pattern("package.json", `"react"\s*:`, 4),
			pattern("package.json", `"react-scripts"\s*:`, 2),
		},
		Priority: 10,
	},
	{
		ID:           "nextjs",
		Parent:       "nodejs",
		Markers:      []string{"next.config.js", "next.config.mjs", "next.config.ts"},
		MarkerWeight: 6,
		Patterns: []Pattern{
			pattern("package.json", `"next"\s*:`, 6),
		},
		Priority: 20,
	},
	{
		ID:           "python",
		Markers:      []string{"requirements.txt", "pyproject.toml", "setup.py", "Pipfile"},
		MarkerWeight: 2,
		Priority:     1,
	},
	{
		ID:           "django",
		Parent:       "python",
		Markers:      []string{"manage.py"},
		MarkerWeight: 4,
		Patterns: []Pattern{
			pattern("requirements.txt", `(?im)^\s*django\b`, 4),
			pattern("pyproject.toml", `(?i)["']django\b`, 4),
		},
		Priority: 10,
	},
	{
		ID:           "flask",
		Parent:       "python",
		Markers:      []string{"app.py", "wsgi.py"},
		MarkerWeight: 4,
		Patterns: []Pattern{
			pattern("requirements.txt", `(?im)^\s*flask\b`, 4),
			pattern("pyproject.toml", `(?i)["']flask\b`, 4),
		},
		Priority: 10,
	},
	{
		ID:           "java",
		Markers:      []string{"pom.xml", "build.gradle", "build.gradle.kts", "gradle.properties"},
		MarkerWeight: 2,
		Priority:     2,
	},
	{
		ID:           "springboot",
		Parent:       "java",
		Markers:      []string{"src/main/resources/application.properties", "src/main/resources/application.yml"},
		MarkerWeight: 4,
		Patterns: []Pattern{
			pattern("pom.xml", `spring-boot`, 4),
			pattern("build.gradle", `spring-boot|org\.springframework\.boot`, 4),
			pattern("build.gradle.kts", `spring-boot|org\.springframework\.boot`, 4),
		},
		Priority: 10,
	},
	{
		ID:           "php",
		Markers:      []string{"composer.json", "index.php"},
		MarkerWeight: 2,
		Priority:     3,
	},
	{
		ID:           "laravel",
		Parent:       "php",
		Markers:      []string{"artisan"},
		MarkerWeight: 4,
		Patterns: []Pattern{
			pattern("composer.json", `"laravel/framework"\s*:`, 4),
		},
		Priority: 10,
	},
	{
		ID:           "go",
		Markers:      []string{"go.mod", "go.sum", "main.go"},
		MarkerWeight: 2,
		Priority:     4,
	},
	{
		ID:           "rust",
		Markers:      []string{"Cargo.toml", "Cargo.lock"},
		MarkerWeight: 2,
		Priority:     5,
	},
}
