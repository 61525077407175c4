package delivery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"nudgebot/internal/storage"
)

func ensureOutboxDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create outbox %s: %w", dir, err)
	}
	return nil
}

// writeOutbox persists one record as <unixnano>_<id>.json. The write goes
// through a dot-prefixed temp file and rename so consumers globbing *.json
// never observe partial documents.
func writeOutbox(dir string, rec storage.DeliveryRecord) (string, error) {
	name := fmt.Sprintf("%d_%s.json", rec.At.UnixNano(), rec.ID)
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode outbox record: %w", err)
	}
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", tmp, err)
	}
	final := filepath.Join(dir, name)
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("publish %s: %w", final, err)
	}
	return name, nil
}
