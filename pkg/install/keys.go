package install

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	botdeploy "github.com/dogeorg/botdeploy/pkg"
)

// EnsureDeployKey generates an ed25519 key pair at path (and path.pub)
// unless one already exists. It returns the authorized_keys form of the
// public key.
func EnsureDeployKey(path string, comment string, owner botdeploy.Owner) (string, bool, error) {
	if data, err := os.ReadFile(path + ".pub"); err == nil {
		if _, err := os.Stat(path); err == nil {
			return strings.TrimSpace(string(data)), false, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", false, fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", false, fmt.Errorf("failed to generate key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return "", false, fmt.Errorf("failed to encode private key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", false, fmt.Errorf("failed to encode public key: %w", err)
	}
	authorized := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
	if comment != "" {
		authorized += " " + comment
	}

	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return "", false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.WriteFile(path+".pub", []byte(authorized+"\n"), 0644); err != nil {
		return "", false, fmt.Errorf("failed to write %s.pub: %w", path, err)
	}

	for _, p := range []string{filepath.Dir(path), path, path + ".pub"} {
		if err := os.Lchown(p, owner.UID, owner.GID); err != nil {
			return "", false, fmt.Errorf("failed to chown %s: %w", p, err)
		}
	}
	return authorized, true, nil
}

var errHostKeyCaptured = errors.New("host key captured")

// ScanHostKey does what ssh-keyscan does for one host: it opens an ssh
// handshake only far enough to see the server's key.
func ScanHostKey(host string, timeout time.Duration) (ssh.PublicKey, error) {
	addr := host
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(host, "22")
	}

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	var captured ssh.PublicKey
	cfg := &ssh.ClientConfig{
		User: "git",
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			captured = key
			return errHostKeyCaptured
		},
		Timeout: timeout,
	}
	_, _, _, err = ssh.NewClientConn(conn, addr, cfg)
	if captured == nil {
		return nil, fmt.Errorf("no host key from %s: %w", addr, err)
	}
	return captured, nil
}

// AddKnownHost appends host's key to the known_hosts file unless a line for
// that host and key is already there.
func AddKnownHost(path string, host string, key ssh.PublicKey) (bool, error) {
	addr := knownhosts.Normalize(host)

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(existing) > 0 {
		cb, err := knownhosts.New(path)
		if err == nil {
			hostPort := host
			if _, _, err := net.SplitHostPort(hostPort); err != nil {
				hostPort = net.JoinHostPort(host, "22")
			}
			if cb(hostPort, &net.TCPAddr{}, key) == nil {
				return false, nil
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return false, fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return false, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var line bytes.Buffer
	if len(existing) > 0 && !bytes.HasSuffix(existing, []byte("\n")) {
		line.WriteString("\n")
	}
	line.WriteString(knownhosts.Line([]string{addr}, key))
	line.WriteString("\n")
	if _, err := f.Write(line.Bytes()); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return true, nil
}

// RemoteHost returns the host part of an ssh or https remote URL.
func RemoteHost(remote string) (string, error) {
	if i := strings.Index(remote, "@"); i >= 0 && !strings.Contains(remote, "://") {
		rest := remote[i+1:]
		if j := strings.Index(rest, ":"); j > 0 {
			return rest[:j], nil
		}
	}
	parts := strings.SplitN(remote, "://", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("cannot determine host of %q", remote)
	}
	hostPart := strings.SplitN(parts[1], "/", 2)[0]
	if i := strings.LastIndex(hostPart, "@"); i >= 0 {
		hostPart = hostPart[i+1:]
	}
	if h, _, err := net.SplitHostPort(hostPart); err == nil {
		return h, nil
	}
	if hostPart == "" {
		return "", fmt.Errorf("cannot determine host of %q", remote)
	}
	return hostPart, nil
}
