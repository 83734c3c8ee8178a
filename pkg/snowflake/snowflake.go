// Package snowflake generates time-ordered 63-bit ids for messages. Ids sort
// in commit order, which lets the store cluster messages by id.
package snowflake

import (
	"errors"
	"strconv"
	"sync"
	"time"
)

const (
	nodeBits        = 10
	stepBits        = 12
	nodeMax         = -1 ^ (-1 << nodeBits)
	stepMask        = -1 ^ (-1 << stepBits)
	timeShift       = nodeBits + stepBits
	nodeShift       = stepBits
	epoch     int64 = 1704067200000 // 2024-01-01 00:00:00 UTC
)

var ErrInvalidNode = errors.New("node number must be between 0 and 1023")

type Node struct {
	mu   sync.Mutex
	time int64
	node int64
	step int64
	now  func() time.Time
}

type Option func(*Node)

// WithClock replaces time.Now as the source of the id timestamp.
func WithClock(now func() time.Time) Option { return func(n *Node) { n.now = now } }

func NewNode(node int64, opts ...Option) (*Node, error) {
	if node < 0 || node > nodeMax {
		return nil, ErrInvalidNode
	}
	n := &Node{node: node, now: time.Now}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Generate returns the next id. It never returns an id smaller than a
// previous one, even if the clock moves backwards.
func (n *Node) Generate() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now().UnixMilli()
	if now < n.time {
		now = n.time
	}

	if n.time == now {
		n.step = (n.step + 1) & stepMask
		if n.step == 0 {
			// Sequence exhausted for this millisecond.
			now++
		}
	} else {
		n.step = 0
	}
	n.time = now

	return ((now - epoch) << timeShift) | (n.node << nodeShift) | n.step
}

// GenerateString returns Generate as a decimal string, the form ids take on the wire.
func (n *Node) GenerateString() string {
	return strconv.FormatInt(n.Generate(), 10)
}

// Time extracts the millisecond timestamp embedded in id.
func Time(id int64) time.Time {
	return time.UnixMilli((id >> timeShift) + epoch).UTC()
}

// Parse reads a decimal id.
func Parse(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if id < 0 {
		return 0, errors.New("negative snowflake id")
	}
	return id, nil
}
