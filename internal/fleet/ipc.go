package fleet

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"mt5-fleet/pkg/types"
)

// writeState atomically replaces the fleet state file. It writes to a
// .tmp file first, then renames over the target, so pollers never see a
// partial document.
func writeState(path string, snap types.FleetSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return os.Rename(tmp, path)
}

// takeCommands consumes the command queue as an atomic take: read the
// file, delete it, return the parsed commands. A missing file means no
// commands; malformed JSON deletes the file with a warning so a bad
// producer cannot wedge the loop.
func takeCommands(path string, logger *slog.Logger) []types.Command {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Error("read command file", "path", path, "error", err)
		}
		return nil
	}

	if err := os.Remove(path); err != nil {
		logger.Error("remove command file", "path", path, "error", err)
	}

	var commands []types.Command
	if err := json.Unmarshal(data, &commands); err != nil {
		logger.Warn("discarding malformed command file", "path", path, "error", err)
		return nil
	}
	return commands
}
