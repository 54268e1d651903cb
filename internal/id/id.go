package id

import (
	"encoding/binary"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	nodeBits        = 10
	stepBits        = 12
	nodeMax         = -1 ^ (-1 << nodeBits)
	stepMax         = -1 ^ (-1 << stepBits)
	timeShift       = nodeBits + stepBits
	nodeShift       = stepBits
	epoch     int64 = 1704067200000 // 2024-01-01 00:00:00 UTC
)

// Node generates time-ordered 63-bit work item ids.
type Node struct {
	mu        sync.Mutex
	timestamp int64
	nodeID    int64
	step      int64
	now       func() int64
}

func NewNode(nodeID int64) (*Node, error) {
	if nodeID < 0 || nodeID > nodeMax {
		return nil, errors.New("node ID out of range")
	}
	return &Node{
		nodeID: nodeID,
		now:    func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// NodeIDFor maps a worker id onto the node id space. There are only
// nodeMax+1 slots, so two worker ids can hash to the same node and then
// produce equal ids within the same millisecond. Deployments that run
// several producers should set node ids explicitly.
func NodeIDFor(workerID string) int64 {
	h := fnv.New32a()
	h.Write([]byte(workerID))
	return int64(h.Sum32() % (nodeMax + 1))
}

// NewRandomNode picks a random node id, for short-lived producers that
// have no configured identity.
func NewRandomNode() *Node {
	u := uuid.New()
	n, _ := NewNode(int64(binary.BigEndian.Uint16(u[:2])) & nodeMax)
	return n
}

// Generate returns the next id. Ids from one node are strictly increasing.
func (n *Node) Generate() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	if now < n.timestamp {
		// clock moved backwards; keep counting from the last timestamp
		now = n.timestamp
	}

	if now == n.timestamp {
		n.step = (n.step + 1) & stepMax
		if n.step == 0 {
			for now <= n.timestamp {
				now = n.now()
			}
		}
	} else {
		n.step = 0
	}

	n.timestamp = now
	return ((now - epoch) << timeShift) | (n.nodeID << nodeShift) | n.step
}
