package docker

import "testing"

func TestIsPortConflict(t *testing.T) {
	cases := map[string]bool{
		"driver failed programming external connectivity: Bind for 0.0.0.0:41234 failed: port is already allocated": true,
		"listen tcp4 0.0.0.0:41234: bind: address already in use":                                                   true,
		"No such image: alice-demo":                                                                                 false,
	}
	for msg, want := range cases {
		if got := IsPortConflict(msg); got != want {
			t.Fatalf("IsPortConflict(%q) = %v, want %v", msg, got, want)
		}
	}
}
