package docker

import (
	"errors"
	"strings"
)

// ErrNotFound indicates the requested Docker resource was not found.
var ErrNotFound = errors.New("docker: resource not found")

// ErrPortInUse indicates the requested host port is already bound.
var ErrPortInUse = errors.New("docker: host port already allocated")

// IsPortConflict recognises the engine's port collision messages.
func IsPortConflict(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "port is already allocated") ||
		strings.Contains(msg, "address already in use")
}
