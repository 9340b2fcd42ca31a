package telemetry

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/google/uuid"
)

const instanceIDFile = "instance-id"

// loadOrCreateInstanceID resolves the durable identity of this instance.
// firstRun is true when no identity had ever been persisted, which is what
// triggers the launch events. Every I/O failure here is deliberately
// ignored: a missing persisted identity only means a fresh one next run,
// and telemetry never blocks startup.
func loadOrCreateInstanceID(dataDir string) (id uuid.UUID, firstRun bool) {
	id, ok := readInstanceID(filepath.Join(dataDir, instanceIDFile))
	if !ok {
		id, ok = readInstanceID(configInstanceIDPath(dataDir))
	}
	firstRun = !ok
	if firstRun {
		id = uuid.New()
	}
	writeInstanceID(dataDir, id)
	return id, firstRun
}

func readInstanceID(path string) (uuid.UUID, bool) {
	if path == "" {
		return uuid.Nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(strings.TrimSpace(string(data)))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// writeInstanceID persists the identity to the data dir and to a secondary
// copy under the user config dir, so it survives a wiped database.
func writeInstanceID(dataDir string, id uuid.UUID) {
	_ = os.WriteFile(filepath.Join(dataDir, instanceIDFile), []byte(id.String()), 0o600)
	if path := configInstanceIDPath(dataDir); path != "" {
		_ = os.MkdirAll(filepath.Dir(path), 0o700)
		_ = os.WriteFile(path, []byte(id.String()), 0o600)
	}
}

// configInstanceIDPath keys the secondary copy by the data dir, so that
// instances with separate databases on one machine keep separate
// identities.
func configInstanceIDPath(dataDir string) string {
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256([]byte(abs))
	return filepath.Join(xdg.ConfigHome, "sift", fmt.Sprintf("%x-%s", sum[:8], instanceIDFile))
}
