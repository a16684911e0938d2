// Package propagation implements the deletion-propagation sink: a
// single entry point that turns an engine-initiated field removal into
// a synthetic command (argv form) and enqueues it to an append log and
// a replication stream, batched by execution-unit brackets. Replicas
// replay the exact same field-level deletions the engine performed
// locally, so expiration never diverges across nodes from clock drift.
package propagation

import (
	"bufio"
	"encoding/gob"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event is one synthetic command routed through the sink: a database
// index plus an already-tokenized argv.
type Event struct {
	SeqNum   uint64
	DBID     int
	Argv     []string
	RunID    string
	AtMs     int64
	FromHFE  bool // true for engine-synthesized deletions, never client commands
}

// AppendLog is the append-only log collaborator. Implementations must
// be safe for concurrent Append calls.
type AppendLog interface {
	Append(e Event) error
}

// ReplicaStream is the replication-transport collaborator. Sink only
// requires that every appended event also reach this stream; the
// transport itself is an injectable seam rather than a concrete
// network client.
type ReplicaStream interface {
	Send(e Event) error
}

// NopReplicaStream discards events; used when no replicas are
// configured (a single-node engine instance).
type NopReplicaStream struct{}

func (NopReplicaStream) Send(Event) error { return nil }

const minLogInterval = int64(time.Second)

// Sink is the engine's one propagation entry point. It is entered even
// when the triggering command was read-only: a lazy expiry during HGET
// still produces an HDEL downstream.
type Sink struct {
	mu    sync.Mutex
	log   AppendLog
	peers ReplicaStream
	runID string
	seq   uint64

	unitDepth int
	buffered  []Event

	replicationForced atomic.Bool

	logEnabled  atomic.Bool
	lastLogTime int64
	logger      *log.Logger
}

// New builds a Sink. Each Sink carries a random runID identifying this
// process's propagation stream, so replicas can tell one upstream's
// event sequence from another's across restarts.
func New(appendLog AppendLog, peers ReplicaStream) *Sink {
	if peers == nil {
		peers = NopReplicaStream{}
	}
	s := &Sink{
		log:   appendLog,
		peers: peers,
		runID: uuid.NewString(),
	}
	s.logEnabled.Store(true)
	return s
}

// SetLogging toggles the rate-limited propagation log line.
func (s *Sink) SetLogging(enabled bool) { s.logEnabled.Store(enabled) }

// RunID returns this sink's run identifier.
func (s *Sink) RunID() string { return s.runID }

// EnterExecutionUnit marks the start of a batch whose propagated events
// must be coalesced into one flush. Nested calls increment a depth
// counter; only the outermost ExitExecutionUnit flushes.
func (s *Sink) EnterExecutionUnit() {
	s.mu.Lock()
	s.unitDepth++
	s.mu.Unlock()
}

// ExitExecutionUnit closes one level of batching, flushing buffered
// events to the append log and replica stream once depth returns to 0.
func (s *Sink) ExitExecutionUnit() {
	s.mu.Lock()
	s.unitDepth--
	if s.unitDepth < 0 {
		s.unitDepth = 0
	}
	var flush []Event
	if s.unitDepth == 0 && len(s.buffered) > 0 {
		flush = s.buffered
		s.buffered = nil
	}
	s.mu.Unlock()
	for _, e := range flush {
		s.emit(e)
	}
}

// PostExecutionUnit is a no-op hook point the engine invokes after
// closing each execution unit, reserved for hosts that need a distinct
// "after flush, before returning to the client" signal (e.g. a command
// dispatcher emitting its own reply only after propagation is
// durable). The three-bracket shape gives such a host a slot to hook
// into without changing engine code.
func (s *Sink) PostExecutionUnit() {}

// Propagate enqueues one synthetic command. Replication is forced
// enabled for the duration of the call and restored afterward; the
// flag is exposed via ReplicationForced for a host command dispatcher
// that gates on it.
func (s *Sink) Propagate(dbID int, argv []string) error {
	s.replicationForced.Store(true)
	defer s.replicationForced.Store(false)

	s.mu.Lock()
	s.seq++
	e := Event{SeqNum: s.seq, DBID: dbID, Argv: append([]string(nil), argv...), RunID: s.runID, FromHFE: true}
	if s.unitDepth > 0 {
		s.buffered = append(s.buffered, e)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.emit(e)
}

// ReplicationForced reports whether a Propagate call is currently
// in-flight and forcing replication on.
func (s *Sink) ReplicationForced() bool { return s.replicationForced.Load() }

// PropagateFieldDelete synthesizes `HDEL key field` for one
// engine-initiated field removal.
func (s *Sink) PropagateFieldDelete(dbID int, key string, field string) error {
	return s.Propagate(dbID, []string{"HDEL", key, field})
}

// PropagateKeyDelete synthesizes a key-level `DEL key`, emitted when an
// expiring hash becomes empty.
func (s *Sink) PropagateKeyDelete(dbID int, key string) error {
	return s.Propagate(dbID, []string{"DEL", key})
}

func (s *Sink) emit(e Event) error {
	if s.log != nil {
		if err := s.log.Append(e); err != nil {
			return err
		}
	}
	if err := s.peers.Send(e); err != nil {
		return err
	}
	s.rateLimitedLog("seq=%d db=%d argv=%v", e.SeqNum, e.DBID, e.Argv)
	return nil
}

func (s *Sink) rateLimitedLog(format string, args ...interface{}) {
	if !s.logEnabled.Load() {
		return
	}
	now := time.Now().UnixNano()
	last := atomic.LoadInt64(&s.lastLogTime)
	if now-last < minLogInterval {
		return
	}
	if atomic.CompareAndSwapInt64(&s.lastLogTime, last, now) {
		if s.logger != nil {
			s.logger.Printf("[HFE-PROPAGATE] "+format, args...)
		} else {
			log.Printf("[HFE-PROPAGATE] "+format, args...)
		}
	}
}

// GobAppendLog is a file-backed append-only log, gob-encoding one Event
// per record.
type GobAppendLog struct {
	mu  sync.Mutex
	w   io.Writer
	enc *gob.Encoder
	syn interface{ Sync() error }
}

// NewGobAppendLog wraps w (typically an *os.File opened for append) as
// an AppendLog. If w also implements `Sync() error`, it is called after
// every Append for durability.
func NewGobAppendLog(w io.Writer) *GobAppendLog {
	gl := &GobAppendLog{w: w, enc: gob.NewEncoder(w)}
	if s, ok := w.(interface{ Sync() error }); ok {
		gl.syn = s
	}
	return gl
}

func (l *GobAppendLog) Append(e Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enc.Encode(&e); err != nil {
		return err
	}
	if l.syn != nil {
		return l.syn.Sync()
	}
	return nil
}

// ReplayGobAppendLog reads every Event back in order, calling fn for
// each — used to replay the append log into a fresh engine instance on
// startup.
func ReplayGobAppendLog(r io.Reader, fn func(Event) error) error {
	dec := gob.NewDecoder(bufio.NewReader(r))
	for {
		var e Event
		if err := dec.Decode(&e); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}
