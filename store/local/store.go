// Package local provides a file-backed store: an append-only journal of
// framed, checksummed document records replayed into memory on load.
// Queries run against the in-memory index; every mutation appends one
// record. The journal is compacted automatically once enough records have
// been superseded.
//
// Records are encoded with a pluggable codec: JSON by default, or
// MessagePack via WithCodec(GetCodec(CodecNameMsgpack)). A journal is
// always read back with the codec that wrote it; switching codecs on an
// existing file is not supported.
package local

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/stashq/stashq"
	"github.com/stashq/stashq/job"
	"github.com/stashq/stashq/store"
)

// Ensure Store implements the backend contract at compile time.
var _ store.Store = (*Store)(nil)

// defaultCompactionThreshold is the number of superseded journal records
// that triggers a rewrite.
const defaultCompactionThreshold = 1024

// Store is the file-backed implementation of store.Store.
type Store struct {
	path     string
	inMemory bool
	codec    Codec
	syncOn   bool
	compact  int
	logger   *slog.Logger

	mu     sync.Mutex
	file   *os.File
	jobs   map[string]*row
	seq    uint64
	dead   int
	loaded bool
	closed bool
}

type row struct {
	doc *job.Job
	seq uint64
}

// Option configures the Store.
type Option func(*Store)

// WithCodec sets the journal record codec. Defaults to JSON.
func WithCodec(c Codec) Option {
	return func(s *Store) { s.codec = c }
}

// WithSyncOnWrite forces an fsync after every appended record. Slower,
// but a crash can then lose at most the record being written.
func WithSyncOnWrite(on bool) Option {
	return func(s *Store) { s.syncOn = on }
}

// WithCompactionThreshold sets how many superseded records may accumulate
// before the journal is rewritten. Zero keeps the default; a negative
// value disables automatic compaction.
func WithCompactionThreshold(n int) Option {
	return func(s *Store) { s.compact = n }
}

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates a Store persisting to the given path. The journal is not
// touched until Init.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:    path,
		codec:   &JSONCodec{},
		compact: defaultCompactionThreshold,
		logger:  slog.Default(),
		jobs:    make(map[string]*row),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewInMemory creates a Store with the journal disabled: documents live
// only in memory and are lost when the process exits.
func NewInMemory(opts ...Option) *Store {
	s := New("", opts...)
	s.inMemory = true
	return s
}

// Open creates a Store and loads it immediately (the autoload pattern).
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	s := New(path, opts...)
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// ── stashq.Storer ───────────────────────────────────

// Init loads or creates the journal and replays it into memory.
// Idempotent: subsequent calls are no-ops.
func (s *Store) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return stashq.ErrStoreClosed
	}
	if s.loaded || s.inMemory {
		s.loaded = true
		return nil
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("local: open journal %s: %w", s.path, err)
	}
	s.file = f

	if err := s.replayLocked(); err != nil {
		f.Close()
		s.file = nil
		return err
	}

	// Rewrite eagerly when a prior run left a bloated journal behind.
	if s.compact >= 0 && s.dead > s.threshold() {
		if err := s.compactLocked(); err != nil {
			return err
		}
	}

	s.loaded = true
	return nil
}

// Ping reports whether the store is usable.
func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stashq.ErrStoreClosed
	}
	return nil
}

// Close releases the journal file. Further operations fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

// replayLocked reads the journal from the start and rebuilds the index.
// A corrupt tail (torn write from a crashed process) is truncated away.
func (s *Store) replayLocked() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("local: seek journal: %w", err)
	}

	r := bufio.NewReader(s.file)
	var offset int64

	for {
		payload, err := readFrame(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, errCorruptFrame) {
			s.logger.Warn("truncating corrupt journal tail",
				slog.String("path", s.path),
				slog.Int64("offset", offset),
			)
			if terr := s.file.Truncate(offset); terr != nil {
				return fmt.Errorf("local: truncate journal: %w", terr)
			}
			break
		}
		if err != nil {
			return err
		}

		rec, err := s.codec.Decode(payload)
		if err != nil {
			return fmt.Errorf("local: decode journal record: %w", err)
		}
		s.applyLocked(rec)
		offset += int64(frameHeaderSize + len(payload))
	}

	if _, err := s.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("local: seek journal end: %w", err)
	}
	return nil
}

func (s *Store) applyLocked(rec *record) {
	switch rec.Op {
	case opInsert:
		if rec.Doc == nil {
			return
		}
		s.seq++
		s.jobs[rec.Doc.ID] = &row{doc: rec.Doc, seq: s.seq}
	case opUpdate:
		if rec.Doc == nil {
			return
		}
		if r, ok := s.jobs[rec.Doc.ID]; ok {
			r.doc = rec.Doc
			s.dead++
		}
	case opRemove:
		if _, ok := s.jobs[rec.ID]; ok {
			delete(s.jobs, rec.ID)
			s.dead += 2 // the insert and the tombstone
		}
	}
}

// appendLocked journals one record.
func (s *Store) appendLocked(rec *record) error {
	if s.inMemory {
		return nil
	}

	payload, err := s.codec.Encode(rec)
	if err != nil {
		return fmt.Errorf("local: encode journal record: %w", err)
	}
	if err := writeFrame(s.file, payload); err != nil {
		return err
	}
	if s.syncOn {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("local: sync journal: %w", err)
		}
	}
	return nil
}

// maybeCompactLocked rewrites the journal once enough records have been
// superseded. Called after the index mutation has been committed so the
// rewrite always reflects the latest documents.
func (s *Store) maybeCompactLocked() error {
	if s.inMemory || s.compact < 0 || s.dead <= s.threshold() {
		return nil
	}
	return s.compactLocked()
}

func (s *Store) threshold() int {
	if s.compact > 0 {
		return s.compact
	}
	return defaultCompactionThreshold
}

// compactLocked rewrites the journal as one insert per live document,
// then atomically replaces the old file.
func (s *Store) compactLocked() error {
	tmpPath := s.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("local: create compaction file: %w", err)
	}

	w := bufio.NewWriter(tmp)
	for _, r := range s.rowsInSeqOrder() {
		payload, err := s.codec.Encode(&record{Op: opInsert, ID: r.doc.ID, Doc: r.doc})
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("local: encode compaction record: %w", err)
		}
		if err := writeFrame(w, payload); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("local: flush compaction file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("local: sync compaction file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("local: close compaction file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("local: replace journal: %w", err)
	}

	old := s.file
	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("local: reopen journal: %w", err)
	}
	old.Close()
	s.file = f
	s.dead = 0

	s.logger.Debug("journal compacted",
		slog.String("path", s.path),
		slog.Int("live_docs", len(s.jobs)),
	)
	return nil
}

// rowsInSeqOrder returns live rows sorted by insertion sequence so
// compaction preserves tie-break order across reloads.
func (s *Store) rowsInSeqOrder() []*row {
	rows := make([]*row, 0, len(s.jobs))
	for _, r := range s.jobs {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, k int) bool { return rows[i].seq < rows[k].seq })
	return rows
}

func (s *Store) guardLocked() error {
	if s.closed {
		return stashq.ErrStoreClosed
	}
	if !s.loaded {
		return stashq.ErrNoStore
	}
	return nil
}

// ── job.Store ───────────────────────────────────────

// List returns all jobs, optionally filtered by state, sorted by
// CreatedAt ascending (ties by insertion order).
func (s *Store) List(_ context.Context, state job.State) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardLocked(); err != nil {
		return nil, err
	}

	rows := make([]*row, 0, len(s.jobs))
	for _, r := range s.jobs {
		if state != "" && r.doc.State != state {
			continue
		}
		rows = append(rows, r)
	}

	sort.Slice(rows, func(i, k int) bool {
		if !rows[i].doc.CreatedAt.Equal(rows[k].doc.CreatedAt) {
			return rows[i].doc.CreatedAt.Before(rows[k].doc.CreatedAt)
		}
		return rows[i].seq < rows[k].seq
	})

	result := make([]*job.Job, len(rows))
	for i, r := range rows {
		result[i] = r.doc.Document()
	}
	return result, nil
}

// Find returns the job with the given id.
func (s *Store) Find(_ context.Context, id string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardLocked(); err != nil {
		return nil, err
	}

	r, ok := s.jobs[id]
	if !ok {
		return nil, stashq.ErrJobNotFound
	}
	return r.doc.Document(), nil
}

// Exists reports whether a job with the given id is persisted.
func (s *Store) Exists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardLocked(); err != nil {
		return false, err
	}

	_, ok := s.jobs[id]
	return ok, nil
}

// NextInactive returns the inactive job of the given type minimizing
// (priority asc, createdAt asc, insertion order), or (nil, nil).
func (s *Store) NextInactive(_ context.Context, typ string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardLocked(); err != nil {
		return nil, err
	}

	var best *row
	for _, r := range s.jobs {
		if r.doc.Type != typ || r.doc.State != job.StateInactive {
			continue
		}
		if best == nil || less(r, best) {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}
	return best.doc.Document(), nil
}

func less(a, b *row) bool {
	if a.doc.Priority != b.doc.Priority {
		return a.doc.Priority < b.doc.Priority
	}
	if !a.doc.CreatedAt.Equal(b.doc.CreatedAt) {
		return a.doc.CreatedAt.Before(b.doc.CreatedAt)
	}
	return a.seq < b.seq
}

// Insert persists a new document.
func (s *Store) Insert(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardLocked(); err != nil {
		return err
	}

	if _, exists := s.jobs[j.ID]; exists {
		return stashq.ErrJobExists
	}

	doc := j.Document()
	if err := s.appendLocked(&record{Op: opInsert, ID: doc.ID, Doc: doc}); err != nil {
		return err
	}
	s.seq++
	s.jobs[doc.ID] = &row{doc: doc, seq: s.seq}
	return nil
}

// Update replaces the mutable fields of the row with j's id. Fails unless
// exactly one row is affected.
func (s *Store) Update(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardLocked(); err != nil {
		return err
	}

	r, ok := s.jobs[j.ID]
	if !ok {
		return stashq.ErrJobNotFound
	}

	doc := j.Document()
	if err := s.appendLocked(&record{Op: opUpdate, ID: doc.ID, Doc: doc}); err != nil {
		return err
	}
	r.doc = doc
	s.dead++
	return s.maybeCompactLocked()
}

// Remove deletes the row with the given id. Silent if absent.
func (s *Store) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardLocked(); err != nil {
		return err
	}

	if _, ok := s.jobs[id]; !ok {
		return nil
	}
	if err := s.appendLocked(&record{Op: opRemove, ID: id}); err != nil {
		return err
	}
	delete(s.jobs, id)
	s.dead += 2
	return s.maybeCompactLocked()
}
