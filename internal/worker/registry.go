package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RegistryEntry is what a running worker publishes so a restarted
// controller can find and reattach to it.
type RegistryEntry struct {
	Version      int    `json:"version"`
	WorkerID     string `json:"worker_id"`
	WorkerPID    int    `json:"worker_pid"`
	SocketPath   string `json:"socket_path"`
	ControlToken string `json:"control_token"`
	StartedAt    string `json:"started_at"`
	OwnerPID     int    `json:"owner_pid,omitempty"`
}

func WriteRegistryAtomic(path string, entry RegistryEntry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	payload, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry entry: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, append(payload, '\n'), 0600); err != nil {
		return fmt.Errorf("write temp registry: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename registry file: %w", err)
	}
	return nil
}

func ReadRegistry(path string) (RegistryEntry, error) {
	var entry RegistryEntry
	data, err := os.ReadFile(path)
	if err != nil {
		return entry, err
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return entry, fmt.Errorf("unmarshal registry: %w", err)
	}
	return entry, nil
}

func NewRegistryEntry(workerID string, workerPID int, socketPath, controlToken string, ownerPID int) RegistryEntry {
	return RegistryEntry{
		Version:      1,
		WorkerID:     workerID,
		WorkerPID:    workerPID,
		SocketPath:   socketPath,
		ControlToken: controlToken,
		StartedAt:    time.Now().UTC().Format(time.RFC3339),
		OwnerPID:     ownerPID,
	}
}
