package lockmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// FileBackend is the dev/single-node backend of spec §4.2: an advisory
// exclusive file lock per `{scope}_{resource}` path. Unlike the source this
// is grounded on (whose release depended on an in-memory file handle that a
// process restart loses, spec §9 Open Question), Release always re-opens the
// file and reads owner+token back from its contents before unlinking, so a
// lock survives a process restart and is still released correctly by the
// same logical owner.
type FileBackend struct {
	dir string
}

func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) path(lockIDValue string) string {
	return filepath.Join(b.dir, strings.ReplaceAll(lockIDValue, ":", "_")+".lock")
}

func (b *FileBackend) TryAcquire(ctx context.Context, info Info, ttl time.Duration) (bool, error) {
	path := b.path(info.LockID)

	if existing, found, err := b.readFile(path); err == nil && found {
		if !existing.Expired(time.Now()) {
			return false, nil
		}
		_ = os.Remove(path) // stale lock: best-effort unlink, TryAcquire below re-checks exclusivity
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return false, fmt.Errorf("open lock file: %w", err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		if err == syscall.EWOULDBLOCK {
			return false, nil
		}
		return false, fmt.Errorf("flock lock file: %w", err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	if existing, found, err := b.readFile(path); err == nil && found && !existing.Expired(time.Now()) {
		return false, nil
	}

	payload, err := json.Marshal(info)
	if err != nil {
		return false, fmt.Errorf("marshal lock info: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		return false, fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.WriteAt(payload, 0); err != nil {
		return false, fmt.Errorf("write lock file: %w", err)
	}
	return true, nil
}

func (b *FileBackend) Release(ctx context.Context, info Info) (bool, error) {
	path := b.path(info.LockID)
	existing, found, err := b.readFile(path)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if ownerToken(existing) != ownerToken(info) {
		return false, nil
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("remove lock file: %w", err)
	}
	return true, nil
}

func (b *FileBackend) Get(ctx context.Context, lockIDValue string) (Info, bool, error) {
	return b.readFile(b.path(lockIDValue))
}

func (b *FileBackend) List(ctx context.Context) ([]Info, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("read lock directory: %w", err)
	}
	var out []Info
	now := time.Now()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lock") {
			continue
		}
		info, found, err := b.readFile(filepath.Join(b.dir, entry.Name()))
		if err != nil || !found {
			continue
		}
		if !info.Expired(now) {
			out = append(out, info)
		}
	}
	return out, nil
}

func (b *FileBackend) CleanupExpired(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return 0, fmt.Errorf("read lock directory: %w", err)
	}
	cleaned := 0
	now := time.Now()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lock") {
			continue
		}
		path := filepath.Join(b.dir, entry.Name())
		info, found, err := b.readFile(path)
		if err != nil || !found {
			continue
		}
		if info.Expired(now) {
			if err := os.Remove(path); err == nil {
				cleaned++
			}
		}
	}
	return cleaned, nil
}

func (b *FileBackend) readFile(path string) (Info, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Info{}, false, nil
	}
	if err != nil {
		return Info{}, false, fmt.Errorf("read lock file: %w", err)
	}
	if len(data) == 0 {
		return Info{}, false, nil
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, false, fmt.Errorf("unmarshal lock file: %w", err)
	}
	return info, true, nil
}
