// Package userdata reads user profiles and task snapshots from the per-user
// JSON files maintained by the companion app. Files are read fresh on every
// call; the writer is expected to replace them atomically.
package userdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"nudgebot/internal/schedule"
	"nudgebot/pkg/logx"
)

type Provider struct {
	users string
	tasks string
	log   logx.Logger
}

func New(usersDir, tasksDir string, log logx.Logger) *Provider {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Provider{
		users: usersDir,
		tasks: tasksDir,
		log:   log.With(logx.String("component", "userdata")),
	}
}

// EnsureDirs creates the backing directories if missing.
func (p *Provider) EnsureDirs() error {
	for _, dir := range []string{p.users, p.tasks} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// Profile loads users/<id>.json. A missing file means the account does not
// exist and maps to schedule.ErrUnknownUser. Unknown fields are tolerated,
// the companion app owns the format.
func (p *Provider) Profile(ctx context.Context, userID string) (schedule.UserProfile, error) {
	if err := ValidID(userID); err != nil {
		return schedule.UserProfile{}, err
	}
	raw, err := os.ReadFile(filepath.Join(p.users, userID+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return schedule.UserProfile{}, fmt.Errorf("profile %s: %w", userID, schedule.ErrUnknownUser)
	}
	if err != nil {
		return schedule.UserProfile{}, fmt.Errorf("read profile %s: %w", userID, err)
	}
	var prof schedule.UserProfile
	if err := json.Unmarshal(raw, &prof); err != nil {
		return schedule.UserProfile{}, fmt.Errorf("parse profile %s: %w", userID, err)
	}
	// The filename is authoritative for identity.
	prof.UserID = userID
	return prof, nil
}

// Tasks loads tasks/<id>.json. A user without a task file simply has no
// tasks.
func (p *Provider) Tasks(ctx context.Context, userID string) ([]schedule.Task, error) {
	if err := ValidID(userID); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(p.tasks, userID+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tasks %s: %w", userID, err)
	}
	var tasks []schedule.Task
	if err := json.Unmarshal(raw, &tasks); err != nil {
		return nil, fmt.Errorf("parse tasks %s: %w", userID, err)
	}
	return tasks, nil
}

// UserIDs lists every user that has a profile file.
func (p *Provider) UserIDs(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(p.users)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", p.users, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if ValidID(id) != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ValidID rejects user ids that could escape the data directories.
func ValidID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("empty user id")
	}
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") || id != filepath.Base(id) {
		return fmt.Errorf("unsafe user id %q", id)
	}
	return nil
}
