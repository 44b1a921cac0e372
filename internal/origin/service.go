// Package origin connects a local gateway to the public broker and keeps
// its username registered across broker restarts and network failures.
package origin

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/yepanywhere/relay/internal/config"
	"github.com/yepanywhere/relay/internal/gateway"
)

// ConfigAccess exposes the configured SRP credentials to the gateway.
type ConfigAccess struct {
	cfg config.RemoteAccessConfig
}

func NewConfigAccess(cfg config.RemoteAccessConfig) *ConfigAccess {
	return &ConfigAccess{cfg: cfg}
}

func (a *ConfigAccess) IsEnabled() bool { return a.cfg.Enabled }

func (a *ConfigAccess) Username() string { return a.cfg.Username }

func (a *ConfigAccess) Credentials() (*gateway.Credentials, error) {
	if a.cfg.SRPSalt == "" || a.cfg.SRPVerifier == "" {
		return nil, nil
	}
	salt, err := base64.StdEncoding.DecodeString(a.cfg.SRPSalt)
	if err != nil {
		return nil, fmt.Errorf("decode srp_salt: %w", err)
	}
	verifier, err := base64.StdEncoding.DecodeString(a.cfg.SRPVerifier)
	if err != nil {
		return nil, fmt.Errorf("decode srp_verifier: %w", err)
	}
	return &gateway.Credentials{Salt: salt, Verifier: verifier}, nil
}

// EnsureInstallID loads the persistent install identifier, creating it on
// first run. The id ties username ownership to this data directory rather
// than to any single connection.
func EnsureInstallID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "install_id")

	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read install id: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("write install id: %w", err)
	}
	return id, nil
}
