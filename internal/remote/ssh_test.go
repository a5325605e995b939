package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"golang.org/x/crypto/ssh"
)

// socketlessHost is an SSH server that runs no commands and refuses every
// channel, counting the TCP connections it accepts.
type socketlessHost struct {
	ln      net.Listener
	accepts atomic.Int32
}

func startSocketlessHost(t *testing.T) *socketlessHost {
	t.Helper()
	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}
	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	h := &socketlessHost{ln: ln}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			h.accepts.Add(1)
			go func() {
				_, chans, reqs, err := ssh.NewServerConn(nc, cfg)
				if err != nil {
					return
				}
				go ssh.DiscardRequests(reqs)
				for ch := range chans {
					_ = ch.Reject(ssh.Prohibited, "no sockets here")
				}
			}()
		}
	}()
	return h
}

func writeClientKey(t *testing.T) string {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("client key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path
}

func TestDialUnixRefusalKeepsSharedConnection(t *testing.T) {
	host := startSocketlessHost(t)
	addr := host.ln.Addr().(*net.TCPAddr)
	client, err := NewSSH(SSHConfig{
		Host:    addr.IP.String(),
		Port:    addr.Port,
		User:    "deploy",
		KeyPath: writeClientKey(t),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewSSH: %v", err)
	}
	defer client.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := client.DialUnix(ctx, "/var/run/docker.sock")
		var refused *ssh.OpenChannelError
		if !errors.As(err, &refused) {
			t.Fatalf("dial %d: expected refused channel, got %v", i, err)
		}
	}
	if got := host.accepts.Load(); got != 1 {
		t.Fatalf("expected one shared connection, server saw %d", got)
	}
	client.mu.Lock()
	alive := client.conn != nil
	client.mu.Unlock()
	if !alive {
		t.Fatalf("refused dial discarded the shared connection")
	}
}
