package generator

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	bolt "go.etcd.io/bbolt"
)

var completionsBucket = []byte("completions")

// Cache stores synthesizer outputs keyed by a hash of the prompt, so an
// unchanged schema does not cost another completion.
type Cache struct {
	db *bolt.DB
}

func OpenCache(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(completionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache: %w", err)
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) Get(hash uint64) (Output, bool, error) {
	var out Output
	var found bool
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(completionsBucket).Get(hashKey(hash))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &out)
	})
	if err != nil {
		return Output{}, false, fmt.Errorf("read cache: %w", err)
	}
	return out, found, nil
}

func (c *Cache) Put(hash uint64, out Output) error {
	v, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(completionsBucket).Put(hashKey(hash), v)
	})
}

func hashKey(h uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, h)
	return b
}

type promptKey struct {
	Model  string
	System string
	User   string
}

// Promptable synthesizers expose the exact prompt they would send.
type Promptable interface {
	Synthesizer
	Messages(req Request) (system, user string, err error)
}

// Cached wraps next with c. model distinguishes replies of different models
// for the same prompt.
func Cached(next Promptable, c *Cache, model string, logger *slog.Logger) Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &cachedSynthesizer{next: next, cache: c, model: model, logger: logger}
}

type cachedSynthesizer struct {
	next   Promptable
	cache  *Cache
	model  string
	logger *slog.Logger
}

func (s *cachedSynthesizer) Synthesize(ctx context.Context, req Request) (Output, error) {
	system, user, err := s.next.Messages(req)
	if err != nil {
		return Output{}, err
	}
	hash, err := hashstructure.Hash(promptKey{Model: s.model, System: system, User: user}, hashstructure.FormatV2, nil)
	if err != nil {
		return Output{}, fmt.Errorf("hash prompt: %w", err)
	}

	if out, ok, err := s.cache.Get(hash); err != nil {
		s.logger.Warn("completion cache read failed", "error", err)
	} else if ok {
		s.logger.Info("using cached completion", "kind", req.Identity.Kind, "hash", hash)
		return out, nil
	}

	out, err := s.next.Synthesize(ctx, req)
	if err != nil {
		return Output{}, err
	}
	if err := s.cache.Put(hash, out); err != nil {
		s.logger.Warn("completion cache write failed", "error", err)
	}
	return out, nil
}
