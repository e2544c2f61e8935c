// A simulated provider node: connects to the broker's websocket gateway,
// registers with an advertised minimum cost and "executes" generation tasks
// by sleeping for a configurable duration before returning a fake result URL.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/edenvr/genq/internal/protocol"
)

type node struct {
	id       string
	duration time.Duration

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func main() {
	serverURL := getenv("SERVER_URL", "ws://localhost:8080/ws")
	nodeID := getenv("NODE_ID", uuid.New().String())

	minCost := 10.0
	if v := os.Getenv("MIN_COST"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			log.Fatalf("invalid MIN_COST %q: %v", v, err)
		}
		minCost = parsed
	}

	duration := 2 * time.Second
	if v := os.Getenv("WORK_DURATION"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("invalid WORK_DURATION %q: %v", v, err)
		}
		duration = parsed
	}

	conn, _, err := websocket.DefaultDialer.Dial(serverURL, nil)
	if err != nil {
		log.Fatalf("failed to connect to %s: %v", serverURL, err)
	}

	n := &node{
		id:       nodeID,
		duration: duration,
		conn:     conn,
		running:  make(map[string]context.CancelFunc),
	}

	if err := n.writeJSON(protocol.Envelope{
		Type:       protocol.TypeRegister,
		NodeID:     nodeID,
		PublicMeta: &protocol.PublicMeta{Version: protocol.MetaVersion, MinCost: minCost},
	}); err != nil {
		log.Fatalf("failed to register: %v", err)
	}
	log.Printf("Node %s registered at %s (min_cost=%.2f)", nodeID, serverURL, minCost)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		conn.Close()
	}()

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			log.Printf("Node %s disconnected: %v", nodeID, err)
			return
		}

		switch env.Type {
		case protocol.TypeTask:
			go n.runTask(env.TaskID)
		case protocol.TypeAbort:
			n.abortTask(env.TaskID)
		default:
			log.Printf("unknown message type %q", env.Type)
		}
	}
}

func (n *node) runTask(taskID string) {
	log.Printf("Node %s processing task %s", n.id, taskID)

	ctx, cancel := context.WithCancel(context.Background())
	n.mu.Lock()
	n.running[taskID] = cancel
	n.mu.Unlock()
	defer func() {
		cancel()
		n.mu.Lock()
		delete(n.running, taskID)
		n.mu.Unlock()
	}()

	select {
	case <-time.After(n.duration):
	case <-ctx.Done():
		log.Printf("Node %s aborted task %s", n.id, taskID)
		return
	}

	result := protocol.Envelope{
		Type:       protocol.TypeResult,
		TaskID:     taskID,
		ResultsURL: []string{fmt.Sprintf("https://cdn.example.com/%s/%s.png", n.id, taskID)},
	}
	if err := n.writeJSON(result); err != nil {
		log.Printf("failed to send result for task %s: %v", taskID, err)
		return
	}
	log.Printf("Node %s completed task %s", n.id, taskID)
}

func (n *node) abortTask(taskID string) {
	n.mu.Lock()
	cancel, ok := n.running[taskID]
	n.mu.Unlock()
	if ok {
		cancel()
	}
}

func (n *node) writeJSON(msg any) error {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	return n.conn.WriteJSON(msg)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
