// Package csvsink implements the CSV Sink: a Sink that owns one Secure
// Writer per topic and routes publish/read/query to files under a log
// directory, generalized from the teacher's internal/audit.Store which kept
// a single append-only file rather than one per topic.
package csvsink

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sealedledger/assure/internal/eventschema"
	"github.com/sealedledger/assure/internal/keystore"
	"github.com/sealedledger/assure/internal/rowcodec"
	"github.com/sealedledger/assure/internal/scheduler"
	"github.com/sealedledger/assure/internal/securelog"
	"github.com/sealedledger/assure/internal/sink"
	"github.com/sealedledger/assure/internal/svcerr"
)

// SecurityConfig mirrors spec.md §6's "security.*" configuration surface.
type SecurityConfig struct {
	Enabled           bool
	Password          string
	SignatureInterval time.Duration
}

// Options configures a Sink at construction time.
type Options struct {
	LogDirectory string
	Security     SecurityConfig
	Schemas      map[string]eventschema.Schema
	Scheduler    scheduler.Scheduler
	// RedisAddr, if non-empty, backs the read index with a Redis hash
	// instead of an in-memory map, so multiple sink instances behind a
	// load balancer share one index.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Sink is the CSV Sink component: one Secure Writer (or, with security
// disabled, a plain row appender) per topic.
type Sink struct {
	mu      sync.Mutex
	dir     string
	sec     SecurityConfig
	schemas map[string]eventschema.Schema
	sched   scheduler.Scheduler

	writers map[string]*securelog.Writer
	plain   map[string]*plainWriter
	keys    map[string]*keystore.Store

	index index
}

var _ sink.Sink = (*Sink)(nil)

// New builds a CSV Sink. Schemas must contain an entry for every topic that
// will be published to; publishing to an unregistered topic returns
// NotSupported.
func New(opts Options) (*Sink, error) {
	if opts.LogDirectory == "" {
		return nil, svcerr.BadRequest("csvsink: log_directory is required")
	}
	if err := os.MkdirAll(opts.LogDirectory, 0o755); err != nil {
		return nil, svcerr.IO("csvsink: create log directory: %v", err)
	}
	if opts.Scheduler == nil {
		opts.Scheduler = scheduler.NewTimerScheduler()
	}
	if opts.Security.SignatureInterval <= 0 {
		opts.Security.SignatureInterval = time.Minute
	}

	var idx index
	if opts.RedisAddr != "" {
		idx = newRedisIndex(opts.RedisAddr, opts.RedisPassword, opts.RedisDB)
	} else {
		idx = newMemoryIndex()
	}

	return &Sink{
		dir:     opts.LogDirectory,
		sec:     opts.Security,
		schemas: opts.Schemas,
		sched:   opts.Scheduler,
		writers: map[string]*securelog.Writer{},
		plain:   map[string]*plainWriter{},
		keys:    map[string]*keystore.Store{},
		index:   idx,
	}, nil
}

// Configure is a no-op; every setting is supplied via Options at
// construction, matching the sink contract's shape without hot
// reconfiguration (spec.md §9's "global-ish state" design note applies to
// the Audit Service, not individual sinks, but the same "no in-place
// mutation" discipline is followed here).
func (s *Sink) Configure(map[string]any) error { return nil }

func (s *Sink) Startup(context.Context) error { return nil }

// Shutdown closes every open writer, per spec.md §5's resource-lifecycle
// discipline: every writer's close is guaranteed on shutdown.
func (s *Sink) Shutdown(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, w := range s.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, w := range s.plain {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Publish routes to the topic's writer, lazily creating it (and its header)
// on first use.
func (s *Sink) Publish(ctx context.Context, topic string, event map[string]any) (sink.Result, error) {
	schema, ok := s.schemas[topic]
	if !ok {
		return sink.Result{}, svcerr.NotSupported("csvsink: unknown topic %q", topic)
	}

	var offset int64
	if s.sec.Enabled {
		w, err := s.securedWriter(topic, schema)
		if err != nil {
			return sink.Result{}, err
		}
		if err := w.Write(event); err != nil {
			return sink.Result{}, err
		}
		offset = w.LastRowOffset()
	} else {
		w, err := s.plainWriterFor(topic, schema)
		if err != nil {
			return sink.Result{}, err
		}
		if err := w.write(event); err != nil {
			return sink.Result{}, err
		}
		offset = w.LastRowOffset()
	}

	id, _ := event["_id"].(string)
	s.index.put(topic, id, offset)
	return sink.Result{ID: id, Topic: topic, Fields: event}, nil
}

// Read consults the index for id's byte offset and seeks straight to it,
// falling back to a full s.scan when the index has no entry (e.g. it is
// unset, or the sink was restarted and the index is cold) or the entry
// turns out to be stale.
func (s *Sink) Read(ctx context.Context, topic, id string) (sink.Result, error) {
	schema, ok := s.schemas[topic]
	if !ok {
		return sink.Result{}, svcerr.NotSupported("csvsink: unknown topic %q", topic)
	}

	if offset, ok := s.index.get(topic, id); ok {
		result, hit, err := s.readAt(topic, schema, offset, id)
		if err != nil {
			return sink.Result{}, err
		}
		if hit {
			return result, nil
		}
	}

	var found sink.Result
	err := s.scan(topic, schema, func(row map[string]any) bool {
		if row["_id"] == id {
			found = sink.Result{ID: id, Topic: topic, Fields: row}
			return true
		}
		return false
	})
	if err != nil {
		return sink.Result{}, err
	}
	if found.Fields == nil {
		return sink.Result{}, svcerr.NotFound("csvsink: no event %q in topic %q", id, topic)
	}
	return found, nil
}

// readAt decodes exactly the row starting at offset, without scanning
// anything before it. It reports hit=false (never an error) whenever the
// offset cannot be trusted — past EOF, wrong cell count, or a decoded "_id"
// that disagrees with id — so Read can safely fall back to a full scan.
func (s *Sink) readAt(topic string, schema eventschema.Schema, offset int64, id string) (sink.Result, bool, error) {
	f, err := os.Open(s.path(topic))
	if os.IsNotExist(err) {
		return sink.Result{}, false, nil
	}
	if err != nil {
		return sink.Result{}, false, svcerr.IO("csvsink: open %s: %v", s.path(topic), err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return sink.Result{}, false, svcerr.IO("csvsink: seek %s: %v", s.path(topic), err)
	}
	row, err := rowcodec.ReadRow(bufio.NewReader(f))
	if err != nil {
		return sink.Result{}, false, nil
	}

	cells := row
	if s.sec.Enabled {
		if len(row) < 2 {
			return sink.Result{}, false, nil
		}
		cells = row[:len(row)-2]
	}
	if len(cells) != len(schema.Fields) {
		return sink.Result{}, false, nil
	}

	record := make(map[string]any, len(cells))
	for i, field := range schema.Fields {
		record[field] = string(cells[i])
	}
	if record["_id"] != id {
		return sink.Result{}, false, nil
	}
	return sink.Result{ID: id, Topic: topic, Fields: record}, true, nil
}

// Query streams rows through filter, delivering matches to handler until it
// returns stop or rows are exhausted.
func (s *Sink) Query(ctx context.Context, topic string, filter sink.Filter, handler sink.Handler) (sink.QuerySummary, error) {
	schema, ok := s.schemas[topic]
	if !ok {
		return sink.QuerySummary{}, svcerr.NotSupported("csvsink: unknown topic %q", topic)
	}

	var summary sink.QuerySummary
	err := s.scan(topic, schema, func(row map[string]any) bool {
		if filter != nil && !filter(row) {
			return false
		}
		summary.Matched++
		id, _ := row["_id"].(string)
		stop := handler(sink.Result{ID: id, Topic: topic, Fields: row})
		summary.Delivered++
		return stop
	})
	return summary, err
}

func (s *Sink) path(topic string) string {
	return filepath.Join(s.dir, topic+".csv")
}

func (s *Sink) securedWriter(topic string, schema eventschema.Schema) (*securelog.Writer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.writers[topic]; ok {
		return w, nil
	}

	keys, err := keystore.Open(filepath.Join(s.dir, topic+".keystore.json"), s.sec.Password)
	if err != nil {
		return nil, err
	}
	if err := keys.Bootstrap(); err != nil {
		return nil, err
	}
	s.keys[topic] = keys

	path := s.path(topic)
	resume := fileHasContent(path)
	w, err := securelog.Open(path, securelog.Options{
		Schema:            rowcodec.Schema{Topic: topic, Fields: schema.Fields},
		Keys:              keys,
		Scheduler:         s.sched,
		SignatureInterval: s.sec.SignatureInterval,
		Resume:            resume,
	})
	if err != nil {
		return nil, err
	}
	if err := w.WriteHeader(); err != nil {
		return nil, err
	}
	s.writers[topic] = w
	return w, nil
}

func (s *Sink) plainWriterFor(topic string, schema eventschema.Schema) (*plainWriter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.plain[topic]; ok {
		return w, nil
	}
	w, err := openPlainWriter(s.path(topic), schema.Fields)
	if err != nil {
		return nil, err
	}
	s.plain[topic] = w
	return w, nil
}

// scan reads every row of topic's file, decoding schema-ordered cells back
// into a field map, and invokes visit per row. If the topic is running
// under security, the trailing HMAC/SIGNATURE cells are dropped from the
// visited map; signature rows (all schema cells empty) are skipped.
func (s *Sink) scan(topic string, schema eventschema.Schema, visit func(map[string]any) bool) error {
	f, err := os.Open(s.path(topic))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return svcerr.IO("csvsink: open %s: %v", s.path(topic), err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	header, err := rowcodec.ReadRow(r)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}
	secured := len(header) >= 2 &&
		string(header[len(header)-2]) == rowcodec.HeaderHMAC &&
		string(header[len(header)-1]) == rowcodec.HeaderSignature
	fieldCount := len(schema.Fields)

	for {
		row, err := rowcodec.ReadRow(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		cells := row
		if secured {
			if len(row) < 2 {
				continue
			}
			cells = row[:len(row)-2]
		}
		if len(cells) != fieldCount {
			continue
		}
		empty := true
		for _, c := range cells {
			if len(c) > 0 {
				empty = false
				break
			}
		}
		if empty {
			continue // signature row
		}
		record := make(map[string]any, fieldCount)
		for i, field := range schema.Fields {
			record[field] = string(cells[i])
		}
		if visit(record) {
			return nil
		}
	}
}

func fileHasContent(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

// plainWriter appends rows without MAC or signature columns, for the
// security.enabled=false path (scenario S1).
type plainWriter struct {
	mu            sync.Mutex
	file          *os.File
	schema        []string
	lastRowOffset int64
}

func openPlainWriter(path string, schema []string) (*plainWriter, error) {
	exists := fileHasContent(path)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, svcerr.IO("csvsink: open %s: %v", path, err)
	}
	w := &plainWriter{file: f, schema: schema}
	if !exists {
		header := make([][]byte, len(schema))
		for i, h := range schema {
			header[i] = []byte(h)
		}
		if err := rowcodec.WriteRow(f, header); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func (w *plainWriter) write(event map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	info, err := w.file.Stat()
	if err != nil {
		return svcerr.IO("csvsink: stat before write: %v", err)
	}
	rowOffset := info.Size()

	cells := make([][]byte, len(w.schema))
	for i, field := range w.schema {
		val, ok := event[field]
		if !ok || val == nil {
			cells[i] = nil
			continue
		}
		cells[i] = []byte(fmt.Sprintf("%v", val))
	}
	if err := rowcodec.WriteRow(w.file, cells); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.lastRowOffset = rowOffset
	return nil
}

// LastRowOffset returns the byte offset at which the most recently written
// row begins, mirroring securelog.Writer.LastRowOffset for the
// security-disabled path.
func (w *plainWriter) LastRowOffset() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastRowOffset
}

func (w *plainWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// index accelerates Read(topic, id) by recording the byte offset of each
// row's start, without being authoritative; the CSV file remains the
// source of truth and the index is always rebuildable by re-scanning it.
// get's second return value reports whether an entry exists at all — it
// says nothing about whether the offset is still valid, which is why
// Sink.readAt re-validates the decoded row's "_id" before trusting a hit.
type index interface {
	put(topic, id string, offset int64)
	get(topic, id string) (int64, bool)
}

type memoryIndex struct {
	mu   sync.Mutex
	data map[string]int64
}

func newMemoryIndex() *memoryIndex { return &memoryIndex{data: map[string]int64{}} }

func (m *memoryIndex) put(topic, id string, offset int64) {
	if id == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[topic+"/"+id] = offset
}

func (m *memoryIndex) get(topic, id string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	offset, ok := m.data[topic+"/"+id]
	return offset, ok
}

// redisIndex records topic/id -> row offset in a Redis hash so several sink
// instances behind a load balancer share one acceleration structure,
// grounded on the go-redis client used by the pack's redisstreams example.
// It is advisory only; Sink.readAt re-validates every hit and Read always
// falls back to a file scan on a miss.
type redisIndex struct {
	client *redis.Client
}

func newRedisIndex(addr, password string, db int) *redisIndex {
	return &redisIndex{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (r *redisIndex) put(topic, id string, offset int64) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = r.client.HSet(ctx, "assure:index:"+topic, id, offset).Err()
}

func (r *redisIndex) get(topic, id string) (int64, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	val, err := r.client.HGet(ctx, "assure:index:"+topic, id).Result()
	if err != nil {
		return 0, false
	}
	offset, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false
	}
	return offset, true
}
