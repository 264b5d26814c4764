package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/chiquitav2/exitpool/internal/exitpool/config"
	apperrors "github.com/chiquitav2/exitpool/internal/shared/errors"
	"github.com/chiquitav2/exitpool/internal/shared/logger"
)

// OpenStore creates the backend selected by cfg.
func OpenStore(cfg config.StateConfig, log *logger.Logger) (Store, error) {
	switch cfg.Backend {
	case config.BackendFile, "":
		return NewFileStore(cfg.Path)
	case config.BackendSQLite:
		return NewSQLiteStore(cfg.Path, log)
	case config.BackendBolt:
		return NewBoltStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}

// Open opens the store, loads it and applies the corrupt-state policy.
// With OnCorruptReset the unreadable data is moved aside and the registry
// starts empty; provider sync later re-discovers still-running servers.
func Open(ctx context.Context, cfg config.StateConfig, log *logger.Logger) (*Registry, error) {
	reg, err := openAndLoad(ctx, cfg, log)
	if err == nil {
		return reg, nil
	}
	if !apperrors.IsCorruptState(err) || cfg.OnCorrupt != config.OnCorruptReset {
		return nil, err
	}

	log.ErrorCtx(ctx, "registry state is corrupt, resetting", err, "backend", cfg.Backend, "path", cfg.Path)
	moved, qerr := Quarantine(cfg.Path, time.Now())
	if qerr != nil {
		return nil, fmt.Errorf("failed to quarantine corrupt state: %w (original: %v)", qerr, err)
	}
	if moved != "" {
		log.Warn("corrupt state moved aside", "path", moved)
	}

	return openAndLoad(ctx, cfg, log)
}

func openAndLoad(ctx context.Context, cfg config.StateConfig, log *logger.Logger) (*Registry, error) {
	store, err := OpenStore(cfg, log)
	if err != nil {
		return nil, err
	}
	reg := New(store, log)
	if _, err := reg.Load(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return reg, nil
}

// Quarantine renames path (and sqlite side files) to `<path>.corrupt-<unix>`.
// It returns the new name, or "" when there was nothing to move.
func Quarantine(path string, now time.Time) (string, error) {
	target := fmt.Sprintf("%s.corrupt-%d", path, now.Unix())
	if err := os.Rename(path, target); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Rename(path+suffix, target+suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return target, err
		}
	}
	return target, nil
}
