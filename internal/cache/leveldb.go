package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const levelEntryPrefix = "e:"

type levelBacking struct {
	db *leveldb.DB
}

// NewLevelDB opens (or creates) a goleveldb database at path.
func NewLevelDB(path string) (Backing, error) {
	if path == "" {
		return nil, errors.New("cache: leveldb path required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("cache: leveldb open %s: %w", path, err)
	}
	return &levelBacking{db: db}, nil
}

func (b *levelBacking) Load(ctx context.Context, key string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	raw, err := b.db.Get([]byte(levelEntryPrefix+key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache: leveldb get: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("cache: leveldb unmarshal: %w", err)
	}
	return entry, true, nil
}

func (b *levelBacking) Save(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: leveldb marshal: %w", err)
	}
	if err := b.db.Put([]byte(levelEntryPrefix+entry.Key), payload, nil); err != nil {
		return fmt.Errorf("cache: leveldb put: %w", err)
	}
	return nil
}

func (b *levelBacking) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.db.Delete([]byte(levelEntryPrefix+key), nil); err != nil {
		return fmt.Errorf("cache: leveldb delete: %w", err)
	}
	return nil
}

func (b *levelBacking) DeletePrefix(ctx context.Context, prefix string) error {
	return b.deleteMatching(ctx, prefix, func([]byte) bool { return true })
}

func (b *levelBacking) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	err := b.deleteMatching(ctx, "", func(raw []byte) bool {
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			removed++
			return true
		}
		if entry.CreatedAt.Before(cutoff) {
			removed++
			return true
		}
		return false
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (b *levelBacking) deleteMatching(ctx context.Context, prefix string, match func(value []byte) bool) error {
	it := b.db.NewIterator(util.BytesPrefix([]byte(levelEntryPrefix+prefix)), nil)
	batch := new(leveldb.Batch)
	for it.Next() {
		if err := ctx.Err(); err != nil {
			it.Release()
			return err
		}
		if match(it.Value()) {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return fmt.Errorf("cache: leveldb iterate: %w", err)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := b.db.Write(batch, nil); err != nil {
		return fmt.Errorf("cache: leveldb batch delete: %w", err)
	}
	return nil
}

func (b *levelBacking) Close() error {
	return b.db.Close()
}
