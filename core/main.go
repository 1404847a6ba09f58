package main

import (
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"relcomm-go/core/hashtable"
	"relcomm-go/pkg/logger"
	"relcomm-go/source/config"
	"relcomm-go/source/relcomm"
)

const (
	VERSION = "1.0.0"

	// Agents bind consecutive localhost ports starting here.
	basePort = 3000

	// Pause between workload operations.
	workloadInterval = 100 * time.Millisecond
)

func main() {
	id, agentCount, err := parseArgs()
	if err != nil {
		logger.Fatal("usage: %s <agent-id> <agent-count>: %v", os.Args[0], err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration: %v", err)
	}
	logger.SetLevel(cfg.LogLevel)

	if id == 0 {
		logger.Banner("Reliable Group Communication", VERSION)
	}
	logger.Info("Agent %d starting (group of %d, policy %s)", id, agentCount, cfg.Broadcast)

	nodes := makeGroup(agentCount)
	comm, err := relcomm.New(nodes[id], nodes, cfg)
	if err != nil {
		logger.Fatal("failed to start communication core: %v", err)
	}

	table := hashtable.New(comm)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	done := make(chan struct{})
	go func() {
		writes, reads := runWorkload(id, table)
		logger.Info("Agent %d finished: %d writes, %d reads", id, writes, reads)
		close(done)
	}()

	select {
	case sig := <-sigChan:
		logger.Warn("Agent %d received signal %v, shutting down", id, sig)
	case <-done:
	}
	// Give in-flight gossip a moment to settle before the process exits.
	time.Sleep(1 * time.Second)
}

func parseArgs() (id, agentCount int, err error) {
	if len(os.Args) < 3 {
		return 0, 0, strconv.ErrSyntax
	}
	if id, err = strconv.Atoi(os.Args[1]); err != nil {
		return 0, 0, err
	}
	if agentCount, err = strconv.Atoi(os.Args[2]); err != nil {
		return 0, 0, err
	}
	return id, agentCount, nil
}

// makeGroup builds the static membership: every agent on localhost, ports
// assigned by agent number.
func makeGroup(agentCount int) []*relcomm.Node {
	nodes := make([]*relcomm.Node, 0, agentCount)
	for i := 0; i < agentCount; i++ {
		addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: basePort + i}
		nodes = append(nodes, relcomm.NewNode(addr, i))
	}
	return nodes
}

// runWorkload exercises the table: a random number of random writes, each
// read back, then a zero-value write under the agent's own id. The workload
// returns once that zero value reads back from the local replica.
func runWorkload(id int, table *hashtable.DistrHash) (writes, reads int) {
	remaining := rand.Intn(100)
	for {
		key := uint32(id)
		value := make([]byte, 10)
		if remaining > 0 {
			key = rand.Uint32()
			rand.Read(value)
		}
		if err := table.Write(key, value); err != nil {
			logger.Warn("write failed on key %d: %v", key, err)
		}
		remaining--
		writes++

		time.Sleep(workloadInterval)
		stored, ok := table.Read(key)
		if !ok {
			logger.Debug("read failed on key %d", key)
			continue
		}
		reads++
		if allZero(stored) {
			return writes, reads
		}
	}
}

func allZero(value []byte) bool {
	for _, b := range value {
		if b != 0 {
			return false
		}
	}
	return len(value) > 0
}
