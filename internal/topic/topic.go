// Package topic keeps the per-topic metadata record: the partition count
// fixed at creation and the creation time.
package topic

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/rzbill/openstream/internal/errs"
	pebblestore "github.com/rzbill/openstream/internal/storage/pebble"
)

// Meta holds topic metadata.
type Meta struct {
	Name        string `json:"name"`
	CreatedAtMs int64  `json:"createdAtMs"`
	Partitions  int    `json:"partitions"`
}

// Options bounds partition counts for new topics.
type Options struct {
	DefaultPartitions int
	MaxPartitions     int
}

// Defaults returns the registry limits used when none are configured.
func Defaults() Options {
	return Options{DefaultPartitions: 8, MaxPartitions: 4096}
}

var (
	metaPrefix = []byte("topicmeta/")
	nameRe     = regexp.MustCompile(`^[A-Za-z0-9._-]{1,200}$`)
)

// ValidName reports whether name is usable as a topic or group name.
func ValidName(name string) bool { return nameRe.MatchString(name) }

func metaKey(name string) []byte {
	k := make([]byte, 0, len(metaPrefix)+len(name))
	k = append(k, metaPrefix...)
	k = append(k, name...)
	return k
}

// Registry is the topic catalogue. Partition counts are fixed once written:
// the first writer wins and later callers see the stored value.
type Registry struct {
	db   *pebblestore.DB
	opts Options

	mu    sync.Mutex
	cache map[string]Meta
}

// NewRegistry returns a registry over db.
func NewRegistry(db *pebblestore.DB, opts Options) *Registry {
	d := Defaults()
	if opts.DefaultPartitions <= 0 {
		opts.DefaultPartitions = d.DefaultPartitions
	}
	if opts.MaxPartitions <= 0 {
		opts.MaxPartitions = d.MaxPartitions
	}
	return &Registry{db: db, opts: opts, cache: make(map[string]Meta)}
}

// Ensure returns the topic, creating it with hint partitions (or the default
// when hint is 0) if absent. A non-zero hint that differs from the stored
// count is a conflict. created reports whether this call wrote the record.
func (r *Registry) Ensure(name string, hint int) (m Meta, created bool, err error) {
	if err := r.validate(name, hint, true); err != nil {
		return Meta{}, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok, err := r.loadLocked(name)
	if err != nil {
		return Meta{}, false, err
	}
	if ok {
		if hint != 0 && hint != m.Partitions {
			return m, false, errs.Conflictf("topic.ensure", "topic %q has %d partitions, not %d", name, m.Partitions, hint)
		}
		return m, false, nil
	}
	if hint == 0 {
		hint = r.opts.DefaultPartitions
	}
	m, err = r.writeLocked(name, hint)
	return m, err == nil, err
}

// Create writes a new topic. It fails with a conflict if the topic exists.
func (r *Registry) Create(name string, partitions int) (Meta, error) {
	if err := r.validate(name, partitions, true); err != nil {
		return Meta{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok, err := r.loadLocked(name); err != nil {
		return Meta{}, err
	} else if ok {
		return Meta{}, errs.Conflictf("topic.create", "topic %q already exists", name)
	}
	if partitions == 0 {
		partitions = r.opts.DefaultPartitions
	}
	return r.writeLocked(name, partitions)
}

// Get returns an existing topic or a not-found error.
func (r *Registry) Get(name string) (Meta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok, err := r.loadLocked(name)
	if err != nil {
		return Meta{}, err
	}
	if !ok {
		return Meta{}, errs.NotFoundf("topic.get", "topic %q not found", name)
	}
	return m, nil
}

// List returns all topics sorted by name.
func (r *Registry) List() ([]Meta, error) {
	it, err := r.db.NewPrefixIter(metaPrefix)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	defer it.Close()
	var out []Meta
	for ok := it.First(); ok; ok = it.Next() {
		var m Meta
		if err := json.Unmarshal(it.Value(), &m); err != nil {
			return nil, fmt.Errorf("decode topic %q: %w", it.Key()[len(metaPrefix):], err)
		}
		out = append(out, m)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *Registry) validate(name string, partitions int, allowZero bool) error {
	if !ValidName(name) {
		return errs.Invalidf("topic", "invalid topic name %q", name)
	}
	if partitions == 0 && allowZero {
		return nil
	}
	if partitions < 1 || partitions > r.opts.MaxPartitions {
		return errs.Invalidf("topic", "partitions must be in [1, %d], got %d", r.opts.MaxPartitions, partitions)
	}
	return nil
}

func (r *Registry) loadLocked(name string) (Meta, bool, error) {
	if m, ok := r.cache[name]; ok {
		return m, true, nil
	}
	b, err := r.db.Get(metaKey(name))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return Meta{}, false, nil
	}
	if err != nil {
		return Meta{}, false, errs.Unavailable("topic.load", err)
	}
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return Meta{}, false, fmt.Errorf("decode topic %q: %w", name, err)
	}
	r.cache[name] = m
	return m, true, nil
}

func (r *Registry) writeLocked(name string, partitions int) (Meta, error) {
	m := Meta{Name: name, CreatedAtMs: time.Now().UnixMilli(), Partitions: partitions}
	b, err := json.Marshal(m)
	if err != nil {
		return Meta{}, err
	}
	if err := r.db.Set(metaKey(name), b); err != nil {
		return Meta{}, errs.Unavailable("topic.write", err)
	}
	r.cache[name] = m
	return m, nil
}
