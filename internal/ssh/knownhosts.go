package ssh

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// EnsureKnownHostsFile makes sure the directory exists and the file is created.
func EnsureKnownHostsFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mkdir known_hosts dir: %w", err)
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := os.WriteFile(path, []byte(""), 0o600); err != nil {
			return fmt.Errorf("create known_hosts: %w", err)
		}
	}
	return nil
}

// DefaultKnownHostsPath is ~/.ssh/known_hosts.
func DefaultKnownHostsPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".ssh", "known_hosts")
}

// LoadKnownHostsCallback returns a strict host key callback using the given
// file. Unknown hosts are rejected, so an empty file rejects every host.
func LoadKnownHostsCallback(path string) (xssh.HostKeyCallback, error) {
	if path == "" {
		path = DefaultKnownHostsPath()
	}
	if err := EnsureKnownHostsFile(path); err != nil {
		return nil, err
	}
	return knownhosts.New(path)
}
