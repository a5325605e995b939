package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/splax/launchpad/internal/docker"
)

// portBook holds ports picked by in-flight launches that the ledger does not
// know about yet.
type portBook struct {
	mu   sync.Mutex
	held map[int]struct{}
}

func newPortBook() *portBook {
	return &portBook{held: make(map[int]struct{})}
}

func (b *portBook) reserve(port int, used map[int]struct{}) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := used[port]; ok {
		return false
	}
	if _, ok := b.held[port]; ok {
		return false
	}
	b.held[port] = struct{}{}
	return true
}

func (b *portBook) release(port int) {
	if b == nil || port <= 0 {
		return
	}
	b.mu.Lock()
	delete(b.held, port)
	b.mu.Unlock()
}

// allocate picks a free port uniformly from [PortMin, PortMax), skipping ports
// held by active ledger records, in-flight launches and rejected attempts.
func (s Service) allocate(rejected map[int]struct{}) (int, error) {
	lo, hi := s.cfg.PortMin, s.cfg.PortMax
	if lo <= 0 || hi <= lo {
		return 0, fmt.Errorf("invalid port range [%d, %d)", lo, hi)
	}
	used := s.ledger.ActivePorts()
	for p := range rejected {
		used[p] = struct{}{}
	}
	span := hi - lo
	for i := 0; i < 64; i++ {
		if port := lo + s.intn(span); s.ports.reserve(port, used) {
			return port, nil
		}
	}
	offset := s.intn(span)
	for i := 0; i < span; i++ {
		if port := lo + (offset+i)%span; s.ports.reserve(port, used) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free port in [%d, %d)", lo, hi)
}

// launch starts image as container name for record self, retrying on host
// port collisions. preferred is tried first when positive and no other active
// record holds it. The returned port stays reserved until the caller releases
// it.
func (s Service) launch(ctx context.Context, log *slog.Logger, self, name, image string, containerPort, preferred int) (int, error) {
	rejected := make(map[int]struct{})
	for i := 0; i < s.cfg.PortRetries; i++ {
		port := 0
		if i == 0 && preferred > 0 && s.ports.reserve(preferred, s.ledger.ActivePortsExcept(self)) {
			port = preferred
		} else {
			var err error
			if port, err = s.allocate(rejected); err != nil {
				return 0, err
			}
		}
		_, err := s.runtime.RunContainer(ctx, docker.RunSpec{
			Name:          name,
			Image:         image,
			HostPort:      port,
			ContainerPort: containerPort,
		})
		if err == nil {
			return port, nil
		}
		s.ports.release(port)
		if !errors.Is(err, docker.ErrPortInUse) {
			return 0, err
		}
		rejected[port] = struct{}{}
		log.Warn("host port taken, retrying", "port", port, "attempt", i+1)
	}
	return 0, fmt.Errorf("no usable host port after %d attempts", s.cfg.PortRetries)
}
