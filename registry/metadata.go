package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"tangled.sh/tangled.sh/automations/models"
)

const (
	MetadataTTL  = 15 * time.Minute
	MetadataFile = "metadata.json"

	refreshTimeout = time.Minute
)

type ProjectType struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	PluralName string `json:"plural_name"`
	Slug       string `json:"slug"`
}

type FactType struct {
	ID             int    `json:"id"`
	Name           string `json:"name"`
	FactType       string `json:"fact_type"` // enum, range or free-form
	DataType       string `json:"data_type"`
	ProjectTypeIDs []int  `json:"project_type_ids"`
}

type FactTypeEnum struct {
	ID         int    `json:"id"`
	FactTypeID int    `json:"fact_type_id"`
	Value      string `json:"value"`
	Score      int    `json:"score"`
}

type FactTypeRange struct {
	ID         int     `json:"id"`
	FactTypeID int     `json:"fact_type_id"`
	MinValue   float64 `json:"min_value"`
	MaxValue   float64 `json:"max_value"`
	Score      int     `json:"score"`
}

// Metadata is an immutable snapshot of the registry's reference data.
type Metadata struct {
	LastUpdated    time.Time            `json:"last_updated"`
	Environments   []models.Environment `json:"environments"`
	ProjectTypes   []ProjectType        `json:"project_types"`
	FactTypes      []FactType           `json:"project_fact_types"`
	FactTypeEnums  []FactTypeEnum       `json:"project_fact_type_enums"`
	FactTypeRanges []FactTypeRange      `json:"project_fact_type_ranges"`
}

func (m *Metadata) EnvironmentNames() map[string]struct{} {
	out := make(map[string]struct{}, 2*len(m.Environments))
	for _, e := range m.Environments {
		out[e.Name] = struct{}{}
		if e.Slug != "" {
			out[e.Slug] = struct{}{}
		}
	}
	return out
}

func (m *Metadata) ProjectTypeSlugs() map[string]struct{} {
	out := make(map[string]struct{}, len(m.ProjectTypes))
	for _, t := range m.ProjectTypes {
		out[t.Slug] = struct{}{}
	}
	return out
}

func (m *Metadata) FactTypeNames() map[string]struct{} {
	out := make(map[string]struct{}, len(m.FactTypes))
	for _, f := range m.FactTypes {
		out[f.Name] = struct{}{}
	}
	return out
}

func (m *Metadata) FactType(name string) (FactType, bool) {
	for _, f := range m.FactTypes {
		if f.Name == name {
			return f, true
		}
	}
	return FactType{}, false
}

// ValidFactValue checks value against the enum values, range bounds or
// data type of every fact type called name.
func (m *Metadata) ValidFactValue(name string, value any) bool {
	for _, ft := range m.FactTypes {
		if ft.Name != name {
			continue
		}

		switch ft.FactType {
		case "enum":
			s := fmt.Sprint(value)
			for _, e := range m.FactTypeEnums {
				if e.FactTypeID == ft.ID && e.Value == s {
					return true
				}
			}
		case "range":
			n, ok := toFloat(value)
			if !ok {
				continue
			}
			for _, r := range m.FactTypeRanges {
				if r.FactTypeID == ft.ID && n >= r.MinValue && n <= r.MaxValue {
					return true
				}
			}
		default:
			if validDataType(ft.DataType, value) {
				return true
			}
		}
	}
	return false
}

func validDataType(dataType string, value any) bool {
	switch dataType {
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "integer":
		switch v := value.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		case string:
			_, err := strconv.Atoi(v)
			return err == nil
		}
		return false
	case "decimal":
		_, ok := toFloat(value)
		return ok
	default:
		return true
	}
}

func toFloat(v any) (float64, bool) {
	switch v := v.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

// Source fetches a fresh metadata snapshot.
type Source interface {
	FetchMetadata(ctx context.Context) (*Metadata, error)
}

// FetchMetadata pulls every reference collection in parallel.
func (c *Client) FetchMetadata(ctx context.Context) (*Metadata, error) {
	md := &Metadata{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		md.Environments, err = c.Environments(gctx)
		return
	})
	g.Go(func() (err error) {
		md.ProjectTypes, err = c.ProjectTypes(gctx)
		return
	})
	g.Go(func() (err error) {
		md.FactTypes, err = c.FactTypes(gctx)
		return
	})
	g.Go(func() (err error) {
		md.FactTypeEnums, err = c.FactTypeEnums(gctx)
		return
	})
	g.Go(func() (err error) {
		md.FactTypeRanges, err = c.FactTypeRanges(gctx)
		return
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetching metadata: %w", err)
	}
	return md, nil
}

// MetadataCache hands out metadata snapshots and refreshes them once they
// are older than the TTL. Readers never wait on a refresh started by
// someone else; they keep seeing the previous snapshot until the new one
// is swapped in.
type MetadataCache struct {
	src  Source
	path string
	ttl  time.Duration
	now  func() time.Time
	l    *slog.Logger

	mu   sync.RWMutex
	data *Metadata

	refreshMu  sync.Mutex
	refreshing sync.WaitGroup
}

type MetadataCacheOpt func(*MetadataCache)

func WithTTL(ttl time.Duration) MetadataCacheOpt {
	return func(c *MetadataCache) {
		c.ttl = ttl
	}
}

func WithClock(now func() time.Time) MetadataCacheOpt {
	return func(c *MetadataCache) {
		c.now = now
	}
}

func NewMetadataCache(src Source, cacheDir string, l *slog.Logger, opts ...MetadataCacheOpt) *MetadataCache {
	c := &MetadataCache{
		src:  src,
		path: filepath.Join(cacheDir, MetadataFile),
		ttl:  MetadataTTL,
		now:  time.Now,
		l:    l,
		data: &Metadata{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *MetadataCache) snapshot() *Metadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data
}

func (c *MetadataCache) expired(md *Metadata) bool {
	return c.now().Sub(md.LastUpdated) > c.ttl
}

// Get returns the current snapshot without waiting. An expired snapshot
// starts a background refresh, at most one at a time; callers keep seeing
// the old snapshot until the new one is swapped in. A failed refresh is
// logged and the old snapshot is kept.
func (c *MetadataCache) Get(ctx context.Context) *Metadata {
	md := c.snapshot()
	if !c.expired(md) || !c.refreshMu.TryLock() {
		return md
	}

	c.refreshing.Add(1)
	go func() {
		defer c.refreshing.Done()
		defer c.refreshMu.Unlock()

		// someone may have finished a refresh between the check and the lock
		if !c.expired(c.snapshot()) {
			return
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		if err := c.refreshLocked(ctx); err != nil {
			c.l.Warn("metadata refresh failed, using stale data", "error", err)
		}
	}()
	return md
}

// Wait blocks until a refresh started by Get has finished.
func (c *MetadataCache) Wait() {
	c.refreshing.Wait()
}

// Refresh fetches new metadata and persists it to the cache file.
func (c *MetadataCache) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	return c.refreshLocked(ctx)
}

func (c *MetadataCache) refreshLocked(ctx context.Context) error {
	md, err := c.src.FetchMetadata(ctx)
	if err != nil {
		return err
	}
	md.LastUpdated = c.now()

	if err := c.persist(md); err != nil {
		c.l.Warn("failed to write metadata cache", "path", c.path, "error", err)
	}

	c.mu.Lock()
	c.data = md
	c.mu.Unlock()

	c.l.Debug("metadata refreshed",
		"environments", len(md.Environments),
		"project_types", len(md.ProjectTypes),
		"fact_types", len(md.FactTypes))
	return nil
}

func (c *MetadataCache) persist(md *Metadata) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	b, err := json.Marshal(md)
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

// Load seeds the cache from disk and refreshes when the file is missing,
// unreadable or stale.
func (c *MetadataCache) Load(ctx context.Context) error {
	b, err := os.ReadFile(c.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return c.Refresh(ctx)
	case err != nil:
		return err
	}

	var md Metadata
	if err := json.Unmarshal(b, &md); err != nil {
		c.l.Warn("corrupt metadata cache, refetching", "path", c.path, "error", err)
		if rmErr := os.Remove(c.path); rmErr != nil {
			c.l.Warn("failed to remove corrupt metadata cache", "path", c.path, "error", rmErr)
		}
		return c.Refresh(ctx)
	}

	c.mu.Lock()
	c.data = &md
	c.mu.Unlock()

	if c.expired(&md) {
		return c.Refresh(ctx)
	}
	c.l.Debug("loaded metadata from cache", "path", c.path, "age", c.now().Sub(md.LastUpdated))
	return nil
}
