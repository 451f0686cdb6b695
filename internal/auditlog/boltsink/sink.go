// Package boltsink persists the in-memory audit log to a bbolt database, so
// a trail survives the process that produced it.
//
// bbolt is chosen because it is:
//   - Pure Go (no CGO, no external process)
//   - ACID — a half-written export batch never corrupts the file
//   - Single file, trivially copied off a host for offline analysis
//   - Well-maintained (used by etcd in production)
//
// The sink tails the log by sequence number: each flush exports every entry
// after its cursor in one write transaction, then advances the cursor. Entry
// keys are the big-endian sequence numbers, so bbolt's natural key order is
// the trail's order and range scans need no sorting.
package boltsink

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/archipelago/internal/auditlog"
	"github.com/snehjoshi/archipelago/internal/types"
	"github.com/snehjoshi/archipelago/internal/wire"
)

var (
	bucketEntries = []byte("entries") // seq (8 bytes, big-endian) → encoded entry
	bucketMeta    = []byte("meta")    // cursor bookkeeping
	keyCursor     = []byte("last_seq")
	keyOwner      = []byte("owner")
)

// Options tune one sink. Zero values get defaults.
type Options struct {
	// Owner ties the file to one log producer, typically the router id.
	// Sequence numbers restart at 1 with every producer, so reopening a
	// file under a different owner resets it instead of resuming a cursor
	// that would silently skip the new trail. Empty disables the check.
	Owner string

	// Interval is the flush period for Run. Default 2s.
	Interval time.Duration

	// Batch caps how many entries one flush exports. Default 512.
	Batch int

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.Batch <= 0 {
		o.Batch = 512
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Sink exports one audit log to one bbolt file. Flush and Run must not be
// used concurrently with each other; everything else is safe.
type Sink struct {
	db   *bbolt.DB
	log  *auditlog.Log
	opts Options

	// cursor is the highest seq already persisted, resumed from the meta
	// bucket at open. Only the flush path moves it.
	cursor uint64
}

// Open creates or reopens the sink database at path and resumes the export
// cursor left by a previous run.
func Open(path string, log *auditlog.Log, opts Options) (*Sink, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: 0})
	if err != nil {
		return nil, fmt.Errorf("boltsink: open %s: %w", path, err)
	}

	s := &Sink{db: db, log: log, opts: opts.withDefaults()}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketEntries); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}

		if s.opts.Owner != "" && string(meta.Get(keyOwner)) != s.opts.Owner {
			// Another producer's trail: start over rather than resume a
			// cursor from an unrelated sequence space.
			if err := tx.DeleteBucket(bucketEntries); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(bucketEntries); err != nil {
				return err
			}
			if err := meta.Delete(keyCursor); err != nil {
				return err
			}
			return meta.Put(keyOwner, []byte(s.opts.Owner))
		}

		if v := meta.Get(keyCursor); len(v) == 8 {
			s.cursor = binary.BigEndian.Uint64(v)
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltsink: init buckets: %w", err)
	}

	s.opts.Logger.Info("audit export open", "path", path, "resume_after", s.cursor)
	return s, nil
}

// LastSeq returns the highest sequence number persisted so far.
func (s *Sink) LastSeq() uint64 { return s.cursor }

// Flush exports the next batch of unexported entries in one transaction and
// reports how many it wrote. A zero return with nil error means the sink has
// caught up.
func (s *Sink) Flush() (int, error) {
	batch := s.log.Since(s.cursor, s.opts.Batch)
	if len(batch) == 0 {
		return 0, nil
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		for _, e := range batch {
			val, err := wire.EncodeEntry(e)
			if err != nil {
				return fmt.Errorf("encode seq %d: %w", e.Seq, err)
			}
			if err := entries.Put(seqKey(e.Seq), val); err != nil {
				return err
			}
		}
		last := batch[len(batch)-1].Seq
		return tx.Bucket(bucketMeta).Put(keyCursor, seqKey(last))
	})
	if err != nil {
		return 0, fmt.Errorf("boltsink: flush: %w", err)
	}

	s.cursor = batch[len(batch)-1].Seq
	return len(batch), nil
}

// Run flushes on a ticker until ctx is canceled, then performs a final
// drain so entries logged during shutdown are not lost.
func (s *Sink) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case <-ticker.C:
			if _, err := s.Flush(); err != nil {
				s.opts.Logger.Warn("audit export flush failed", "err", err)
			}
		}
	}
}

// drain flushes until the sink has caught up with the log.
func (s *Sink) drain() {
	for {
		n, err := s.Flush()
		if err != nil {
			s.opts.Logger.Warn("audit export final flush failed", "err", err)
			return
		}
		if n == 0 {
			return
		}
	}
}

// Close flushes whatever is pending and closes the database.
func (s *Sink) Close() error {
	s.drain()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("boltsink: close: %w", err)
	}
	return nil
}

// ─── Reading back ─────────────────────────────────────────────────────────────

// ForEach replays persisted entries in sequence order, starting after the
// given seq (0 replays everything). A non-nil error from fn stops the walk
// and is returned.
func (s *Sink) ForEach(after uint64, fn func(types.Entry) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		for k, v := c.Seek(seqKey(after + 1)); k != nil; k, v = c.Next() {
			e, err := wire.DecodeEntry(v)
			if err != nil {
				return fmt.Errorf("boltsink: decode key %x: %w", k, err)
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	})
}

// Count returns how many entries the database holds.
func (s *Sink) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketEntries).Stats().KeyN
		return nil
	})
	return n, err
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}
