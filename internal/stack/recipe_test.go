package stack

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/splax/launchpad/internal/domain"
)

func TestDefaultRegistryCoversEveryProfile(t *testing.T) {
	reg := DefaultRegistry()
	for _, p := range DefaultProfiles {
		out, port, err := reg.Render(p.ID)
		require.NoErrorf(t, err, "render %s", p.ID)
		require.Containsf(t, out, fmt.Sprintf("EXPOSE %d\n", port), "recipe %s must expose its port", p.ID)
	}
	require.Len(t, reg.Stacks(), len(DefaultProfiles))
}

func TestDefaultPorts(t *testing.T) {
	reg := DefaultRegistry()
	expected := map[string]int{
		"nodejs": 3000, "react": 80, "nextjs": 3000, "python": 8000, "django": 8000, "flask": 5000,
		"java": 8080, "springboot": 8080, "php": 80, "laravel": 8000, "go": 8080, "rust": 8080,
	}
	for id, want := range expected {
		got, err := reg.DefaultPort(id)
		require.NoError(t, err)
		require.Equalf(t, want, got, "port for %s", id)
	}
}

func TestRecipeForUnknownStack(t *testing.T) {
	_, err := DefaultRegistry().RecipeFor("cobol")
	var unknown *UnknownStackError
	require.True(t, errors.As(err, &unknown))
	require.Equal(t, "cobol", unknown.Stack)
	require.True(t, errors.Is(err, domain.ErrUnknownStack))
}

func TestNewRegistryRequiresExposeDirective(t *testing.T) {
	_, err := NewRegistry([]Recipe{{Stack: "bad", DefaultPort: 9000, Template: "FROM scratch\nEXPOSE 9001\n"}})
	require.Error(t, err)

	_, err = NewRegistry([]Recipe{{Stack: "dup", DefaultPort: 80, Template: "EXPOSE {{.Port}}\n"}, {Stack: "dup", DefaultPort: 80, Template: "EXPOSE 80\n"}})
	require.Error(t, err)

	reg, err := NewRegistry([]Recipe{{Stack: "ok", DefaultPort: 9000, Template: "FROM scratch\nEXPOSE {{.Port}}\n"}})
	require.NoError(t, err)
	out, _, err := reg.Render("ok")
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(out, "EXPOSE 9000\n"))
}

func TestStacksSorted(t *testing.T) {
	stacks := DefaultRegistry().Stacks()
	for i := 1; i < len(stacks); i++ {
		require.Less(t, stacks[i-1].ID, stacks[i].ID)
	}
}

func TestExposedPort(t *testing.T) {
	port, ok := ExposedPort("FROM node:20\nexpose 4000/tcp\nEXPOSE 5000\n")
	require.True(t, ok)
	require.Equal(t, 4000, port)

	_, ok = ExposedPort("FROM scratch\n# EXPOSE 80\n")
	require.False(t, ok)
}

func TestHasRecipe(t *testing.T) {
	name, ok := HasRecipe([]string{"./src/main.go", "./dockerfile"})
	require.True(t, ok)
	require.Equal(t, "dockerfile", name)

	_, ok = HasRecipe([]string{"docker/Dockerfile"})
	require.False(t, ok)
}
