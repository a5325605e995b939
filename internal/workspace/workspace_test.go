package workspace

import (
	"strings"
	"testing"
)

func TestKeyNormalisesAndIsDeterministic(t *testing.T) {
	k := Key("Alice", "Demo_API")
	if !strings.HasPrefix(k, "alice-demo-api-") {
		t.Fatalf("unexpected key %q", k)
	}
	if k != Key("alice", "demo_api") {
		t.Fatalf("key should ignore case")
	}
	if !ValidKey(k) {
		t.Fatalf("generated key %q fails validation", k)
	}
}

func TestKeyCollisionResistance(t *testing.T) {
	a := Key("a-b", "c")
	b := Key("a", "b-c")
	if a == b {
		t.Fatalf("distinct pairs produced the same key %q", a)
	}
}

func TestKeyStripsShellMetacharacters(t *testing.T) {
	k := Key("evil;rm -rf /", "$(reboot)")
	if !ValidKey(k) {
		t.Fatalf("key %q should be safe", k)
	}
	if strings.ContainsAny(k, ";$() /") {
		t.Fatalf("key leaked metacharacters: %q", k)
	}
	if !ValidKey(Key("", "")) {
		t.Fatalf("empty inputs should still yield a valid key")
	}
	long := Key(strings.Repeat("o", 80), strings.Repeat("r", 80))
	if !ValidKey(long) {
		t.Fatalf("long key %q should be valid", long)
	}
}

func TestPrepareCommandsAreIdempotent(t *testing.T) {
	m, err := New("/home/deploy/apps/")
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	key := Key("alice", "demo-api")
	dir, cmds, err := m.PrepareCommands(key)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if dir != "/home/deploy/apps/"+key {
		t.Fatalf("unexpected dir %q", dir)
	}
	if len(cmds) != 2 || cmds[0].Program != "rm" || cmds[1].Program != "mkdir" {
		t.Fatalf("expected clear then create, got %+v", cmds)
	}
	if cmds[0].Args[len(cmds[0].Args)-1] != dir {
		t.Fatalf("rm should target the workspace dir")
	}
	if _, _, err := m.PrepareCommands("../etc"); err == nil {
		t.Fatalf("expected invalid key to be rejected")
	}
}

func TestCleanupRefusesOutsideRoot(t *testing.T) {
	m, err := New("/srv/apps")
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	for _, p := range []string{"/srv/apps", "/srv/apps/../etc", "/etc/passwd", "/srv/apps/x/y"} {
		if _, err := m.CleanupCommand(p); err == nil {
			t.Fatalf("expected refusal for %q", p)
		}
	}
	dir, _ := m.Path(Key("bob", "site"))
	cmd, err := m.CleanupCommand(dir)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if cmd.Args[len(cmd.Args)-1] != dir {
		t.Fatalf("unexpected cleanup target %v", cmd.Args)
	}
}

func TestNewRejectsUnsafeRoots(t *testing.T) {
	for _, root := range []string{"", "apps", "/"} {
		if _, err := New(root); err == nil {
			t.Fatalf("expected error for root %q", root)
		}
	}
}
