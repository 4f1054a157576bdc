package relay

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"entity-sync/internal/des"
	"entity-sync/internal/observability"
)

const (
	AuditBufferSize    = 1024                   // Circular buffer size
	MaxAuditPerSec     = 5000                   // Global rate limit
	MaxAuditPerPeer    = 500                    // Per-peer rate limit per second
	AuditFlushSize     = 64                     // Records per batch write
	AuditFlushInterval = 100 * time.Millisecond // How often to flush
	PeerLimiterCleanup = 5 * time.Minute        // Cleanup interval for peer limiters
)

// AuditKind classifies a ledger change.
type AuditKind uint8

const (
	AuditUnknown AuditKind = iota
	AuditUpload
	AuditGrant
	AuditRelease
	AuditTransfer
	AuditDelete
	AuditPeerLeft
)

func (k AuditKind) String() string {
	switch k {
	case AuditUpload:
		return "upload"
	case AuditGrant:
		return "grant"
	case AuditRelease:
		return "release"
	case AuditTransfer:
		return "transfer"
	case AuditDelete:
		return "delete"
	case AuditPeerLeft:
		return "peer_left"
	default:
		return "unknown"
	}
}

func (k AuditKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// AuditRecord is one line of the authority audit log.
type AuditRecord struct {
	Sequence  uint64      `json:"sequence"`
	Timestamp int64       `json:"timestamp"` // Unix nano
	Kind      AuditKind   `json:"kind"`
	Gid       des.Gid     `json:"gid,omitempty"`
	Peer      des.PeerID  `json:"peer"`
	To        *des.PeerID `json:"to,omitempty"`
}

// AuthorityLog is a bounded, rate-limited JSONL audit of authority changes.
// Emit never blocks the ledger; records are dropped under pressure.
type AuthorityLog struct {
	// Circular buffer (lock-free SPSC pattern)
	buffer    [AuditBufferSize]AuditRecord
	writeHead uint64 // atomic - producer position
	readHead  uint64 // atomic - consumer position

	globalLimiter *rate.Limiter
	peerLimiters  sync.Map // map[des.PeerID]*peerLimiterEntry

	writerWg sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	file   *os.File
	fileMu sync.Mutex

	droppedCount uint64 // atomic
	totalCount   uint64 // atomic
}

type peerLimiterEntry struct {
	limiter  *rate.Limiter
	lastUsed atomic.Int64
}

// NewAuthorityLog creates a stopped log.
func NewAuthorityLog() *AuthorityLog {
	return &AuthorityLog{
		globalLimiter: rate.NewLimiter(MaxAuditPerSec, MaxAuditPerSec/10),
		stopChan:      make(chan struct{}),
	}
}

// Start opens path for append and begins the async writer. An empty path
// keeps counting records without writing them.
func (al *AuthorityLog) Start(path string) error {
	if al.running.Load() {
		return nil
	}

	if path != "" {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return errors.Wrapf(err, "open authority log %s", path)
		}
		al.file = file
	}

	al.running.Store(true)
	al.writerWg.Add(2)
	go al.writerLoop()
	go al.cleanupLoop()
	return nil
}

// Stop flushes pending records and closes the file.
func (al *AuthorityLog) Stop() {
	al.stopOnce.Do(func() {
		al.running.Store(false)
		close(al.stopChan)
		al.writerWg.Wait()

		al.fileMu.Lock()
		if al.file != nil {
			al.file.Close()
		}
		al.fileMu.Unlock()
	})
}

// Emit queues a record. It returns false when the record was dropped.
func (al *AuthorityLog) Emit(rec AuditRecord) bool {
	if al == nil || !al.running.Load() {
		return false
	}

	if !al.globalLimiter.Allow() || !al.peerLimiter(rec.Peer).Allow() {
		al.drop()
		return false
	}

	head := atomic.AddUint64(&al.writeHead, 1)
	tail := atomic.LoadUint64(&al.readHead)
	if head-tail >= AuditBufferSize {
		// Rolling window: the oldest record goes.
		atomic.AddUint64(&al.readHead, 1)
		al.drop()
	}

	rec.Sequence = head
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixNano()
	}
	al.buffer[head%AuditBufferSize] = rec

	atomic.AddUint64(&al.totalCount, 1)
	return true
}

func (al *AuthorityLog) drop() {
	atomic.AddUint64(&al.droppedCount, 1)
	observability.RecordAuthorityLogDropped()
}

func (al *AuthorityLog) peerLimiter(peer des.PeerID) *rate.Limiter {
	now := time.Now().UnixNano()
	if v, ok := al.peerLimiters.Load(peer); ok {
		e := v.(*peerLimiterEntry)
		e.lastUsed.Store(now)
		return e.limiter
	}

	entry := &peerLimiterEntry{limiter: rate.NewLimiter(MaxAuditPerPeer, MaxAuditPerPeer/10)}
	entry.lastUsed.Store(now)
	actual, _ := al.peerLimiters.LoadOrStore(peer, entry)
	return actual.(*peerLimiterEntry).limiter
}

func (al *AuthorityLog) writerLoop() {
	defer al.writerWg.Done()

	ticker := time.NewTicker(AuditFlushInterval)
	defer ticker.Stop()

	batch := make([]AuditRecord, 0, AuditFlushSize)
	for {
		select {
		case <-al.stopChan:
			for {
				batch = al.collectBatch(batch[:0])
				if len(batch) == 0 {
					return
				}
				al.flushBatch(batch)
			}
		case <-ticker.C:
			batch = al.collectBatch(batch[:0])
			if len(batch) > 0 {
				al.flushBatch(batch)
			}
		}
	}
}

func (al *AuthorityLog) cleanupLoop() {
	defer al.writerWg.Done()

	ticker := time.NewTicker(PeerLimiterCleanup)
	defer ticker.Stop()

	for {
		select {
		case <-al.stopChan:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-PeerLimiterCleanup).UnixNano()
			al.peerLimiters.Range(func(key, value any) bool {
				if value.(*peerLimiterEntry).lastUsed.Load() < cutoff {
					al.peerLimiters.Delete(key)
				}
				return true
			})
		}
	}
}

func (al *AuthorityLog) collectBatch(batch []AuditRecord) []AuditRecord {
	head := atomic.LoadUint64(&al.writeHead)
	tail := atomic.LoadUint64(&al.readHead)

	for i := tail + 1; i <= head && len(batch) < AuditFlushSize; i++ {
		batch = append(batch, al.buffer[i%AuditBufferSize])
	}
	if len(batch) > 0 {
		atomic.AddUint64(&al.readHead, uint64(len(batch)))
	}
	return batch
}

// flushBatch appends records as newline-delimited JSON.
func (al *AuthorityLog) flushBatch(batch []AuditRecord) {
	al.fileMu.Lock()
	defer al.fileMu.Unlock()

	if al.file == nil {
		return
	}
	for _, rec := range batch {
		data, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		al.file.Write(append(data, '\n'))
	}
}

// Stats returns counters for the API.
func (al *AuthorityLog) Stats() map[string]any {
	head := atomic.LoadUint64(&al.writeHead)
	tail := atomic.LoadUint64(&al.readHead)

	return map[string]any{
		"total":   atomic.LoadUint64(&al.totalCount),
		"dropped": atomic.LoadUint64(&al.droppedCount),
		"pending": head - tail,
		"running": al.running.Load(),
	}
}
