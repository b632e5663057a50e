// Package numa maps pause workers onto memory nodes. Promotion buffers are
// kept per node so a worker copies objects into memory local to the CPU it
// runs on. Discovery is deliberately simple: the usable CPU count is read
// from the scheduler affinity mask and split evenly across the requested
// number of nodes.
package numa

import (
	"fmt"
	"sort"
	"sync"
)

// Node represents a memory node.
type Node struct {
	CPUs []int
	ID   int
}

// Topology represents the node layout used by the collector.
type Topology struct {
	nodes     []*Node
	distances [][]int
	cpuCount  int
	mutex     sync.RWMutex
}

// NewTopology discovers usable CPUs and splits them into nodeCount nodes.
// nodeCount <= 0 means a single node.
func NewTopology(nodeCount int) *Topology {
	cpus := usableCPUs()
	if cpus < 1 {
		cpus = 1
	}
	if nodeCount <= 0 {
		nodeCount = 1
	}
	if nodeCount > cpus {
		nodeCount = cpus
	}

	topo := &Topology{cpuCount: cpus}
	topo.discoverNodes(nodeCount)
	topo.measureDistances()

	return topo
}

// discoverNodes assigns CPUs round-robin to nodes.
func (t *Topology) discoverNodes(nodeCount int) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.nodes = make([]*Node, nodeCount)
	for i := range t.nodes {
		t.nodes[i] = &Node{ID: i}
	}
	for cpu := 0; cpu < t.cpuCount; cpu++ {
		n := t.nodes[cpu*nodeCount/t.cpuCount]
		n.CPUs = append(n.CPUs, cpu)
	}
}

// measureDistances fills the relative access cost matrix.
func (t *Topology) measureDistances() {
	n := len(t.nodes)
	t.distances = make([][]int, n)
	for i := range t.distances {
		t.distances[i] = make([]int, n)
		for j := range t.distances[i] {
			if i == j {
				t.distances[i][j] = 10
			} else {
				t.distances[i][j] = 20 + abs(i-j)*5
			}
		}
	}
}

// NodeCount returns the number of nodes.
func (t *Topology) NodeCount() int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return len(t.nodes)
}

// CPUCount returns the usable CPU count.
func (t *Topology) CPUCount() int { return t.cpuCount }

// GetDistance returns the distance between two nodes.
func (t *Topology) GetDistance(from, to int) int {
	if from < 0 || from >= len(t.distances) || to < 0 || to >= len(t.distances) {
		return -1
	}
	return t.distances[from][to]
}

// NodeForWorker returns the node a pause worker allocates from. Workers are
// spread the same way CPUs are, so worker i lands on the node owning CPU
// i mod cpuCount.
func (t *Topology) NodeForWorker(workerID int) int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	if workerID < 0 {
		return 0
	}
	cpu := workerID % t.cpuCount
	return cpu * len(t.nodes) / t.cpuCount
}

// Nearest returns the nodes ordered by distance from node, node first.
// Equal distances keep index order.
func (t *Topology) Nearest(node int) []int {
	n := t.NodeCount()
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	sort.SliceStable(out, func(i, j int) bool {
		return t.GetDistance(node, out[i]) < t.GetDistance(node, out[j])
	})
	return out
}

// String returns a one-line description.
func (t *Topology) String() string {
	return fmt.Sprintf("numa: %d node(s), %d cpu(s)", t.NodeCount(), t.cpuCount)
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
