// Package signal implements the per-target mailbox used to pass
// asynchronous messages between scripts.
//
// Every target (a worker thread id, or 0 for the main controller) owns one
// FIFO list. Senders append at the tail; the idle pump drains a list as a
// whole on behalf of its paused target. All lists share one coarse lock,
// which is only ever held for a map lookup and an append or swap.
package signal

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/caffeineduck/autolua/marshal"
)

// ErrMalformed is returned by Parse for text not in wire format.
var ErrMalformed = errors.New("malformed signal")

// SerializedSignal is one queued message. Payload is the serialized form of
// the sent value (a table or a primitive literal).
type SerializedSignal struct {
	Origin    uint32
	Timestamp float64
	Payload   string
}

// Encode renders s in wire format: "<originId>;<timestampSeconds>|<payload>".
func (s SerializedSignal) Encode() string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(uint64(s.Origin), 10))
	b.WriteByte(';')
	b.WriteString(strconv.FormatFloat(s.Timestamp, 'f', -1, 64))
	b.WriteByte('|')
	b.WriteString(s.Payload)
	return b.String()
}

// Value deserializes the payload.
func (s SerializedSignal) Value() (marshal.Value, error) {
	return marshal.Deserialize(s.Payload)
}

// Parse reads a signal in wire format. The payload is everything after the
// first '|', so it may itself contain '|' and ';'.
func Parse(text string) (SerializedSignal, error) {
	head, payload, ok := strings.Cut(text, "|")
	if !ok {
		return SerializedSignal{}, fmt.Errorf("%w: missing payload separator", ErrMalformed)
	}
	origin, ts, ok := strings.Cut(head, ";")
	if !ok {
		return SerializedSignal{}, fmt.Errorf("%w: missing timestamp separator", ErrMalformed)
	}
	id, err := strconv.ParseUint(origin, 10, 32)
	if err != nil {
		return SerializedSignal{}, fmt.Errorf("%w: origin: %v", ErrMalformed, err)
	}
	stamp, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return SerializedSignal{}, fmt.Errorf("%w: timestamp: %v", ErrMalformed, err)
	}
	return SerializedSignal{Origin: uint32(id), Timestamp: stamp, Payload: payload}, nil
}

// Queue maps target ids to their pending signals.
type Queue struct {
	mu      sync.Mutex
	pending map[uint32][]SerializedSignal
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{pending: make(map[uint32][]SerializedSignal)}
}

// Send serializes v and appends it to target's list. Serialization happens
// before the lock is taken; on failure nothing is queued.
func (q *Queue) Send(target, origin uint32, timestamp float64, v marshal.Value) error {
	payload, err := marshal.Serialize(v)
	if err != nil {
		return fmt.Errorf("serialize signal: %w", err)
	}
	q.Push(target, SerializedSignal{Origin: origin, Timestamp: timestamp, Payload: payload})
	return nil
}

// Push appends an already serialized signal to target's list.
func (q *Queue) Push(target uint32, s SerializedSignal) {
	q.mu.Lock()
	q.pending[target] = append(q.pending[target], s)
	q.mu.Unlock()
}

// Drain removes and returns all of target's signals in send order. Signals
// sent after the swap land in a fresh list.
func (q *Queue) Drain(target uint32) []SerializedSignal {
	q.mu.Lock()
	list := q.pending[target]
	delete(q.pending, target)
	q.mu.Unlock()
	return list
}

// Pending reports whether target has undelivered signals.
func (q *Queue) Pending(target uint32) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[target]) > 0
}

// Len returns the number of undelivered signals for target.
func (q *Queue) Len(target uint32) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[target])
}

// Remove discards target's list.
func (q *Queue) Remove(target uint32) {
	q.mu.Lock()
	delete(q.pending, target)
	q.mu.Unlock()
}
