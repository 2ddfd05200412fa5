package cache

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const lockStripes = 64

// Detector gates persistence on price changes. Decisions for one identity
// are serialised so concurrent pages cannot persist the same change twice.
type Detector struct {
	store  Store
	recent *lru.Cache[string, int]
	locks  [lockStripes]sync.Mutex
}

// NewDetector wraps store. A positive lruSize keeps that many recently seen
// prices in memory in front of the store.
func NewDetector(store Store, lruSize int) (*Detector, error) {
	d := &Detector{store: store}
	if lruSize > 0 {
		recent, err := lru.New[string, int](lruSize)
		if err != nil {
			return nil, fmt.Errorf("create price lru: %w", err)
		}
		d.recent = recent
	}
	return d, nil
}

// ShouldPersist reports whether id has no recorded price or a different one.
func (d *Detector) ShouldPersist(ctx context.Context, id string, price int) (bool, error) {
	prior, found, err := d.lookup(ctx, id)
	if err != nil {
		return false, err
	}
	return !found || prior != price, nil
}

// RecordPrice stores price as the last persisted price of id.
func (d *Detector) RecordPrice(ctx context.Context, id string, price int) error {
	if err := d.store.Set(ctx, id, price); err != nil {
		if d.recent != nil {
			d.recent.Remove(id)
		}
		return fmt.Errorf("%w: set %s: %w", ErrUnavailable, id, err)
	}
	if d.recent != nil {
		d.recent.Add(id, price)
	}
	return nil
}

// Apply runs persist only when the price of id changed, and records the
// new price only after persist succeeded. It reports whether persist ran
// successfully. Errors from persist are returned as-is; store failures
// wrap ErrUnavailable.
func (d *Detector) Apply(ctx context.Context, id string, price int, persist func() error) (bool, error) {
	mu := d.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	changed, err := d.ShouldPersist(ctx, id, price)
	if err != nil || !changed {
		return false, err
	}
	if err := persist(); err != nil {
		return false, err
	}
	if err := d.RecordPrice(ctx, id, price); err != nil {
		return false, err
	}
	return true, nil
}

// Ping checks the backing store.
func (d *Detector) Ping(ctx context.Context) error {
	if err := d.store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

func (d *Detector) lookup(ctx context.Context, id string) (int, bool, error) {
	if d.recent != nil {
		if price, ok := d.recent.Get(id); ok {
			return price, true, nil
		}
	}
	price, found, err := d.store.Get(ctx, id)
	if err != nil {
		return 0, false, fmt.Errorf("%w: get %s: %w", ErrUnavailable, id, err)
	}
	if found && d.recent != nil {
		d.recent.Add(id, price)
	}
	return price, found, nil
}

func (d *Detector) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &d.locks[h.Sum32()%lockStripes]
}
