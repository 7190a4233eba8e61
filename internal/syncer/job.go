package syncer

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// JobState is the lifecycle of a sync job: QUEUED → RUNNING → terminal.
type JobState string

const (
	JobQueued    JobState = "QUEUED"
	JobRunning   JobState = "RUNNING"
	JobCompleted JobState = "COMPLETED"
	JobFailed    JobState = "FAILED"
)

// Job priorities; lower wins. Manual syncs jump ahead of scheduled ones.
const (
	PriorityManual    = 1
	PriorityScheduled = 5
)

// Job is one queued sync request. A job may execute several attempts; each
// attempt gets its own SyncRun record.
type Job struct {
	ID              string
	BrokerAccountID string
	UserID          string
	FromDate        *time.Time
	ToDate          *time.Time
	Priority        int

	State      JobState
	Attempts   int
	Progress   int // 0-100 observability checkpoint
	EnqueuedAt time.Time
	NotBefore  time.Time // backoff gate for retries
	LastError  string
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// newJobID returns a lexicographically sortable job id. Monotonic entropy
// keeps ids ordered even within the same millisecond.
func newJobID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), entropy).String()
}
