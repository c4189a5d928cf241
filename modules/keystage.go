package modules

import (
	"fmt"
	"os"
	"path/filepath"
)

const keyStagingDir = "/run/cmld/keys"

// stageKeyFile writes an unwrapped volume key to a 0600 file under a
// tmpfs-backed staging directory and returns its path, suitable for
// cryptsetup's --key-file flag. The file is removed by the volumes hook
// once cryptsetup has read it; it never touches persistent storage.
func stageKeyFile(compartmentUUID, volumeName string, key []byte) (string, error) {
	dir := filepath.Join(keyStagingDir, compartmentUUID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("modules: smartcard: mkdir key staging dir: %w", err)
	}
	path := filepath.Join(dir, volumeName)
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return "", fmt.Errorf("modules: smartcard: write staged key: %w", err)
	}
	return path, nil
}
