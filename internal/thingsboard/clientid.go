package thingsboard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateClientID reads the MQTT client id from a file in dataDir,
// or generates a new UUIDv7 and persists it if the file does not exist.
// A stable client id lets the broker recognise a reconnecting node.
func LoadOrCreateClientID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "client_id")

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate client ID: %w", err)
	}

	idStr := "fieldnode-" + id.String()
	if err := os.WriteFile(path, []byte(idStr+"\n"), 0644); err != nil {
		return "", fmt.Errorf("persist client ID to %s: %w", path, err)
	}

	return idStr, nil
}
