// Package bench runs the same workload against this engine and against
// Pebble and Badger so their behaviour and throughput can be compared.
package bench

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/phuslu/log"

	"github.com/matteso1/kvs/internal/storage"
)

// ErrKeyNotFound is returned by Remove for an absent key on every backend.
var ErrKeyNotFound = storage.ErrKeyNotFound

// KV is the surface the backends share.
type KV interface {
	Name() string
	Set(key, value string) error
	// Get returns false for an absent key.
	Get(key string) (string, bool, error)
	// Remove fails with ErrKeyNotFound for an absent key.
	Remove(key string) error
	Compact() error
	Close() error
}

// Options configures a backend.
type Options struct {
	// Sync fsyncs every write.
	Sync   bool
	Logger *log.Logger
}

type opener func(dir string, opts Options) (KV, error)

var backends = map[string]opener{
	"kvs":    OpenKvs,
	"pebble": OpenPebble,
	"badger": OpenBadger,
}

// Backends lists the available backend names.
func Backends() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open opens the named backend in dir.
func Open(name, dir string, opts Options) (KV, error) {
	open, ok := backends[name]
	if !ok {
		return nil, errors.Newf("unknown backend %q (have %v)", name, Backends())
	}
	return open(dir, opts)
}

// Workload describes a random mix of operations over a fixed key space.
type Workload struct {
	Ops       int
	Keys      int
	ValueSize int
	// ReadRatio is the fraction of operations that are gets.
	ReadRatio float64
	// RemoveRatio is the fraction of operations that are removes.
	RemoveRatio float64
	Seed        int64
}

// DefaultWorkload returns a write-heavy mix with overwrites.
func DefaultWorkload() Workload {
	return Workload{
		Ops:         10000,
		Keys:        1000,
		ValueSize:   100,
		ReadRatio:   0.5,
		RemoveRatio: 0.05,
		Seed:        1,
	}
}

// Result summarizes a workload run.
type Result struct {
	Backend  string
	Sets     int
	Gets     int
	Hits     int
	Removes  int
	Duration time.Duration
}

// OpsPerSecond returns the achieved throughput.
func (r Result) OpsPerSecond() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Sets+r.Gets+r.Removes) / r.Duration.Seconds()
}

func (r Result) String() string {
	return fmt.Sprintf("%-8s sets=%d gets=%d hits=%d removes=%d duration=%s ops/s=%.0f",
		r.Backend, r.Sets, r.Gets, r.Hits, r.Removes, r.Duration.Round(time.Microsecond), r.OpsPerSecond())
}

// Run applies w to kv. Removes only target keys the run has set, so they never
// fail with ErrKeyNotFound.
func Run(kv KV, w Workload) (Result, error) {
	if w.Keys <= 0 {
		return Result{}, errors.New("workload needs at least one key")
	}

	rng := rand.New(rand.NewSource(w.Seed))
	value := make([]byte, w.ValueSize)
	live := make(map[string]bool, w.Keys)
	result := Result{Backend: kv.Name()}

	start := time.Now()
	for i := 0; i < w.Ops; i++ {
		key := fmt.Sprintf("key%08d", rng.Intn(w.Keys))
		p := rng.Float64()

		switch {
		case p < w.ReadRatio:
			_, found, err := kv.Get(key)
			if err != nil {
				return result, errors.Wrapf(err, "op %d: get %s", i, key)
			}
			result.Gets++
			if found {
				result.Hits++
			}
		case p < w.ReadRatio+w.RemoveRatio && live[key]:
			if err := kv.Remove(key); err != nil {
				return result, errors.Wrapf(err, "op %d: remove %s", i, key)
			}
			delete(live, key)
			result.Removes++
		default:
			for j := range value {
				value[j] = byte('a' + rng.Intn(26))
			}
			if err := kv.Set(key, string(value)); err != nil {
				return result, errors.Wrapf(err, "op %d: set %s", i, key)
			}
			live[key] = true
			result.Sets++
		}
	}
	result.Duration = time.Since(start)
	return result, nil
}
