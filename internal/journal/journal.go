// Package journal persists model version lifecycle events in an embedded
// badger database so their history survives restarts.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"servingd/internal/manager"
	"servingd/pkg/types"
)

// DefaultGCDiscardRatio is the value log garbage ratio that triggers a rewrite.
const DefaultGCDiscardRatio = 0.5

// Config configures a Journal. An empty Dir keeps the journal in memory.
type Config struct {
	Dir        string
	SyncWrites bool
	Logger     zerolog.Logger
}

// Journal is a manager.EventPublisher that writes every event to badger.
type Journal struct {
	db       *badger.DB
	log      zerolog.Logger
	inMemory bool
	seq      atomic.Uint64
}

// badgerLogger routes badger's internal logging to zerolog.
type badgerLogger struct{ log zerolog.Logger }

func (l badgerLogger) Errorf(f string, args ...interface{})   { l.log.Error().Msgf(f, args...) }
func (l badgerLogger) Warningf(f string, args ...interface{}) { l.log.Warn().Msgf(f, args...) }
func (l badgerLogger) Infof(f string, args ...interface{})    { l.log.Debug().Msgf(f, args...) }
func (l badgerLogger) Debugf(f string, args ...interface{})   { l.log.Trace().Msgf(f, args...) }

func Open(cfg Config) (*Journal, error) {
	var opts badger.Options
	if cfg.Dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("journal: create %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{log: cfg.Logger.With().Str("component", "badger").Logger()})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	cfg.Logger.Info().Str("dir", cfg.Dir).Bool("in_memory", cfg.Dir == "").Msg("journal event=opened")
	return &Journal{db: db, log: cfg.Logger, inMemory: cfg.Dir == ""}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// versionPrefix is ev/<len(model)>:<model>/<version>/. The length keeps
// model names that contain '/' from matching another model's prefix.
func versionPrefix(model string, version int64) []byte {
	return []byte(fmt.Sprintf("ev/%d:%s/%020d/", len(model), model, version))
}

func eventKey(e manager.Event, seq uint64) []byte {
	return append(versionPrefix(e.Model, e.Version), fmt.Sprintf("%020d/%010d", e.Time.UnixNano(), seq)...)
}

// Publish stores e. Write failures are logged; the manager never blocks on
// the journal beyond the write itself.
func (j *Journal) Publish(e manager.Event) {
	val, err := json.Marshal(types.VersionEvent{Name: e.Name, TimeUnix: e.Time.Unix(), Fields: e.Fields})
	if err != nil {
		j.log.Warn().Err(err).Str("model", e.Model).Str("event", e.Name).Msg("journal event=encode_failed")
		return
	}
	key := eventKey(e, j.seq.Add(1))
	if err := j.db.Update(func(txn *badger.Txn) error { return txn.Set(key, val) }); err != nil {
		j.log.Error().Err(err).Str("model", e.Model).Int64("version", e.Version).Msg("journal event=write_failed")
	}
}

// History returns the most recent events of a model version in the order
// they happened. limit <= 0 returns everything.
func (j *Journal) History(model string, version int64, limit int) ([]types.VersionEvent, error) {
	prefix := versionPrefix(model, version)
	var out []types.VersionEvent
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		// Reverse iteration starts at the last key of the prefix.
		for it.Seek(append(append([]byte(nil), prefix...), 0xff)); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) == limit {
				break
			}
			var ev types.VersionEvent
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &ev) }); err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("journal: history %s/%d: %w", model, version, err)
	}
	for i, k := 0, len(out)-1; i < k; i, k = i+1, k-1 {
		out[i], out[k] = out[k], out[i]
	}
	return out, nil
}

// CollectGarbage rewrites value log files while badger finds enough garbage
// and returns how many files were rewritten.
func (j *Journal) CollectGarbage() int {
	if j.inMemory {
		return 0
	}
	n := 0
	for {
		err := j.db.RunValueLogGC(DefaultGCDiscardRatio)
		if err != nil {
			if !errors.Is(err, badger.ErrNoRewrite) {
				j.log.Warn().Err(err).Msg("journal event=gc_failed")
			}
			return n
		}
		n++
	}
}
