package machine

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"

	"slimetracker-go/pkg/appdir"
)

const (
	uidFile = "machine-id"
)

var (
	mu             sync.Mutex
	machineIdCache []byte
)

// ensureMachineID creates a random machine id file unless one exists.
func ensureMachineID(fp string) error {
	if _, err := os.Stat(fp); err == nil {
		return nil
	}
	id := make([]byte, 16)
	if _, err := rand.Read(id); err != nil {
		return fmt.Errorf("failed to generate random machine ID: %w", err)
	}
	if err := os.WriteFile(fp, []byte(hex.EncodeToString(id)), 0644); err != nil {
		return fmt.Errorf("cannot write machine-id file: %w", err)
	}
	return nil
}

// GetMachineID returns the 16-byte identifier persisted in the app directory.
func GetMachineID() ([]byte, error) {
	mu.Lock()
	defer mu.Unlock()
	if machineIdCache != nil {
		return machineIdCache, nil
	}
	fp := appdir.Path(uidFile)
	if err := ensureMachineID(fp); err != nil {
		return nil, err
	}
	content, err := os.ReadFile(fp)
	if err != nil {
		return nil, fmt.Errorf("unable to read machine id: %w", err)
	}
	idStr := strings.TrimSpace(string(content))
	if len(idStr) != 32 {
		return nil, fmt.Errorf("machine id in %s has %d characters, want 32", fp, len(idStr))
	}
	data, err := hex.DecodeString(idStr)
	if err != nil {
		return nil, fmt.Errorf("cannot decode machine-id: %w", err)
	}
	machineIdCache = data
	return machineIdCache, nil
}
