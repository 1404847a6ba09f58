package relcomm

import (
	"fmt"
	"net"
	"sync"
)

// NodeState is a peer's liveness as seen by the local failure detector.
type NodeState int

const (
	// StateUnborn is the initial state, held until the first heartbeat.
	StateUnborn NodeState = iota
	StateAlive
	StateSuspect
	// StateDead is terminal within a process lifetime.
	StateDead
)

func (s NodeState) String() string {
	switch s {
	case StateUnborn:
		return "Unborn"
	case StateAlive:
		return "Alive"
	case StateSuspect:
		return "Suspect"
	case StateDead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// Node is one entry in the static group.
type Node struct {
	Addr        *net.UDPAddr
	AgentNumber int
	State       NodeState
}

// NewNode creates an Unborn peer record.
func NewNode(addr *net.UDPAddr, agentNumber int) *Node {
	return &Node{
		Addr:        addr,
		AgentNumber: agentNumber,
		State:       StateUnborn,
	}
}

func (n *Node) IsDead() bool {
	return n.State == StateDead
}

func (n *Node) IsAlive() bool {
	return n.State == StateAlive
}

func (n *Node) String() string {
	return fmt.Sprintf("Agent %d -> %s <-", n.AgentNumber, n.State)
}

// Group is the shared peer table. The failure detector is the only writer of
// node states; everyone else takes read snapshots under the same lock.
// Critical sections stay short: no I/O happens while Mu is held.
type Group struct {
	Mu    sync.Mutex
	Nodes []*Node
}

func NewGroup(nodes []*Node) *Group {
	return &Group{Nodes: nodes}
}

func (g *Group) Len() int {
	g.Mu.Lock()
	defer g.Mu.Unlock()
	return len(g.Nodes)
}

// ByIndex returns a snapshot of the peer with the given agent number.
func (g *Group) ByIndex(i int) (Node, bool) {
	g.Mu.Lock()
	defer g.Mu.Unlock()
	if i < 0 || i >= len(g.Nodes) {
		return Node{}, false
	}
	return *g.Nodes[i], true
}

// Find returns a snapshot of the peer bound to addr.
func (g *Group) Find(addr *net.UDPAddr) (Node, bool) {
	g.Mu.Lock()
	defer g.Mu.Unlock()
	for _, node := range g.Nodes {
		if sameAddr(node.Addr, addr) {
			return *node, true
		}
	}
	return Node{}, false
}

// Leader returns the lowest-indexed non-Dead peer, falling back to host when
// the whole table is Dead. Every member computes this from its local table;
// the views converge as the failure detector does.
func (g *Group) Leader(host *Node) Node {
	g.Mu.Lock()
	defer g.Mu.Unlock()
	for _, node := range g.Nodes {
		if !node.IsDead() {
			return *node
		}
	}
	return *host
}

// Livings returns snapshots of every non-Dead peer.
func (g *Group) Livings() []Node {
	g.Mu.Lock()
	defer g.Mu.Unlock()
	livings := make([]Node, 0, len(g.Nodes))
	for _, node := range g.Nodes {
		if !node.IsDead() {
			livings = append(livings, *node)
		}
	}
	return livings
}

// Friends is the gossip fan-out window: the rate peers immediately following
// host in the group vector, wrapping around. Recomputed on every call so state
// changes influence fan-out.
func (g *Group) Friends(host *Node, rate int) []Node {
	g.Mu.Lock()
	defer g.Mu.Unlock()
	n := len(g.Nodes)
	if n == 0 {
		return nil
	}
	if rate > n {
		rate = n
	}
	friends := make([]Node, 0, rate)
	start := (host.AgentNumber + 1) % n
	for i := 0; i < rate; i++ {
		friends = append(friends, *g.Nodes[(start+i)%n])
	}
	return friends
}

// LeaderPriority of an endpoint is group size minus its index; higher wins.
// Unknown endpoints get zero.
func (g *Group) LeaderPriority(addr *net.UDPAddr) int {
	g.Mu.Lock()
	defer g.Mu.Unlock()
	for i, node := range g.Nodes {
		if sameAddr(node.Addr, addr) {
			return len(g.Nodes) - i
		}
	}
	return 0
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

// addrKey is the map-key form of an endpoint.
func addrKey(addr *net.UDPAddr) string {
	return addr.String()
}
