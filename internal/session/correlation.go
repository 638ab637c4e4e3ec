package session

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"huddle/internal/protocol"
)

// Result settles one pending request: the response frame or an error.
type Result struct {
	Frame *protocol.Frame
	Err   error
}

// CorrelationTable maps outstanding request ids to the futures awaiting
// them. Each id is settled at most once.
type CorrelationTable struct {
	mu      sync.Mutex
	pending map[protocol.CorrelationID]chan Result
	logger  *zap.SugaredLogger
}

func NewCorrelationTable(logger *zap.SugaredLogger) *CorrelationTable {
	return &CorrelationTable{
		pending: make(map[protocol.CorrelationID]chan Result),
		logger:  logger,
	}
}

// Issue allocates a fresh id and its unsettled future. The channel is
// buffered so a settle never blocks even when nobody waits anymore.
func (t *CorrelationTable) Issue() (protocol.CorrelationID, <-chan Result) {
	id := protocol.CorrelationID(uuid.NewString())
	ch := make(chan Result, 1)

	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()

	return id, ch
}

// Settle resolves the future registered under id and forgets it. Unknown
// ids are late or duplicate responses; they are logged and dropped.
func (t *CorrelationTable) Settle(id protocol.CorrelationID, res Result) bool {
	t.mu.Lock()
	ch, ok := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()

	if !ok {
		t.logger.Warnw("response for unknown request dropped", "await_id", id)
		return false
	}
	ch <- res
	return true
}

// Pending reports the number of unsettled requests.
func (t *CorrelationTable) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Clear rejects every unsettled request with err.
func (t *CorrelationTable) Clear(err error) int {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[protocol.CorrelationID]chan Result)
	t.mu.Unlock()

	for _, ch := range pending {
		ch <- Result{Err: err}
	}
	return len(pending)
}
