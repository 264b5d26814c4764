package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/chiquitav2/exitpool/internal/shared/errors"
	"github.com/chiquitav2/exitpool/internal/shared/models"
	bolt "go.etcd.io/bbolt"
)

var bucketExitNodes = []byte("exit_nodes")

// BoltStore keeps one JSON document per node in the exit_nodes bucket.
type BoltStore struct {
	db   *bolt.DB
	path string
}

// NewBoltStore opens (and creates) the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, fmt.Errorf("database %s is locked by another process: %w", path, err)
		}
		return nil, apperrors.NewCorruptStateError("bolt", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketExitNodes); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketExitNodes, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, path: path}, nil
}

func (s *BoltStore) Backend() string  { return "bolt" }
func (s *BoltStore) Location() string { return s.path }

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Load decodes every value in the bucket.
func (s *BoltStore) Load(_ context.Context) ([]models.ExitNodeInfo, error) {
	var nodes []models.ExitNodeInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExitNodes)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var n models.ExitNodeInfo
			if err := json.Unmarshal(v, &n); err != nil {
				return fmt.Errorf("key %s: %w", k, err)
			}
			if n.ID != string(k) {
				return fmt.Errorf("key %s holds node %q", k, n.ID)
			}
			nodes = append(nodes, n)
			return nil
		})
	})
	if err != nil {
		return nil, apperrors.NewCorruptStateError(s.Backend(), s.path, err)
	}
	return nodes, nil
}

// Save recreates the bucket with exactly nodes in one update transaction.
func (s *BoltStore) Save(_ context.Context, nodes []models.ExitNodeInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketExitNodes); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return fmt.Errorf("failed to clear bucket: %w", err)
		}
		b, err := tx.CreateBucket(bucketExitNodes)
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		for _, n := range nodes {
			data, err := json.Marshal(n)
			if err != nil {
				return fmt.Errorf("failed to encode node %s: %w", n.ID, err)
			}
			if err := b.Put([]byte(n.ID), data); err != nil {
				return fmt.Errorf("failed to store node %s: %w", n.ID, err)
			}
		}
		return nil
	})
}
