package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// identityFile is the name of the persisted identity inside the config dir.
const identityFile = "identity"

// DefaultDir returns the per-user config directory for this program.
func DefaultDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "rtctun"), nil
}

// LoadOrCreateIdentity returns the identity stored in dir, creating and
// persisting a new random one on first use. The file is written to a
// temporary name and renamed so a crash never leaves a torn identity.
func LoadOrCreateIdentity(dir string) (string, error) {
	path := filepath.Join(dir, identityFile)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		id, perr := uuid.Parse(strings.TrimSpace(string(data)))
		if perr != nil {
			return "", fmt.Errorf("corrupt identity file %s: %w", path, perr)
		}
		return id.String(), nil
	case !errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("read identity: %w", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}

	id := uuid.NewString()
	tmp, err := os.CreateTemp(dir, identityFile+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("write identity: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(id + "\n"); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write identity: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("write identity: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("write identity: %w", err)
	}
	return id, nil
}
