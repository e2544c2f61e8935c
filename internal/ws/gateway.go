package ws

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/edenvr/genq/internal/dispatch"
	"github.com/edenvr/genq/internal/protocol"
	"github.com/edenvr/genq/internal/provider"
	"github.com/edenvr/genq/internal/task"
)

// TaskResolver looks up live tasks by id; implemented by the boundary's task
// registry.
type TaskResolver interface {
	Lookup(id string) (*task.Task, bool)
}

// Gateway accepts provider node connections, owns the connection-to-provider
// table and relays node messages to the matching provider.
type Gateway struct {
	dispatcher   *dispatch.Dispatcher
	tasks        TaskResolver
	providerOpts provider.Options
	upgrader     websocket.Upgrader

	mu      sync.Mutex
	byConn  map[*websocket.Conn]string
	transit map[string]*Connection
}

func NewGateway(d *dispatch.Dispatcher, tasks TaskResolver, opts provider.Options) *Gateway {
	return &Gateway{
		dispatcher:   d,
		tasks:        tasks,
		providerOpts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		byConn:  make(map[*websocket.Conn]string),
		transit: make(map[string]*Connection),
	}
}

// HandleWS upgrades the request and serves the node until it disconnects.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("gateway: upgrade failed: %v", err)
		return
	}
	log.Printf("gateway: node connected from %s", r.RemoteAddr)
	g.readLoop(conn)
}

func (g *Gateway) readLoop(conn *websocket.Conn) {
	defer func() {
		conn.Close()
		g.handleDisconnect(conn)
	}()

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		g.handleMessage(conn, env)
	}
}

func (g *Gateway) handleMessage(conn *websocket.Conn, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeRegister:
		g.handleRegister(conn, env)
	case protocol.TypeResult:
		g.handleResult(conn, env)
	case protocol.TypeError:
		g.handleError(conn, env)
	case protocol.TypeStatus:
		// Node load reports; nothing consumes them yet.
	default:
		log.Printf("gateway: unknown message type %q", env.Type)
	}
}

// handleRegister creates a provider on first registration. A known id means
// the node reconnected: the transport is restored and metadata refreshed
// instead of creating a second provider.
func (g *Gateway) handleRegister(conn *websocket.Conn, env protocol.Envelope) {
	if env.NodeID == "" {
		log.Printf("gateway: register without node_id")
		return
	}
	pub := protocol.PublicMeta{Version: protocol.MetaVersion, MinCost: 10}
	if env.PublicMeta != nil {
		pub = *env.PublicMeta
	}

	if existing, ok := g.dispatcher.Provider(env.NodeID); ok {
		g.mu.Lock()
		transport, tracked := g.transit[env.NodeID]
		if tracked {
			transport.Restore(conn)
		}
		g.claimLocked(conn, env.NodeID)
		g.mu.Unlock()
		if !tracked {
			log.Printf("gateway: provider %s registered without transport", env.NodeID)
			return
		}
		existing.UpdatePublicMeta(pub)
		existing.ConnectionRestored()
		log.Printf("gateway: provider %s reconnected", env.NodeID)
		return
	}

	transport := NewConnection(conn)
	g.mu.Lock()
	g.claimLocked(conn, env.NodeID)
	g.transit[env.NodeID] = transport
	g.mu.Unlock()

	p := provider.New(env.NodeID, pub, protocol.PrivateMeta{Version: protocol.MetaVersion}, transport, g.providerOpts)
	g.dispatcher.AddProvider(p)
	log.Printf("gateway: provider %s registered (min_cost=%.2f)", env.NodeID, pub.MinCost)
}

// claimLocked binds the socket to the node id and unmaps any socket the node
// previously registered with, so a late close of a replaced socket cannot
// fire ConnectionLost against the live one.
func (g *Gateway) claimLocked(conn *websocket.Conn, nodeID string) {
	for old, id := range g.byConn {
		if id == nodeID && old != conn {
			delete(g.byConn, old)
		}
	}
	g.byConn[conn] = nodeID
}

func (g *Gateway) handleResult(conn *websocket.Conn, env protocol.Envelope) {
	p, t, ok := g.resolve(conn, env.TaskID)
	if !ok {
		return
	}
	if len(env.ResultsURL) == 0 {
		log.Printf("gateway: result for task %s without results_url", env.TaskID)
		return
	}
	p.TaskCompleted(t, protocol.Result{Version: protocol.MetaVersion, Image: env.ResultsURL[0]})
}

func (g *Gateway) handleError(conn *websocket.Conn, env protocol.Envelope) {
	p, t, ok := g.resolve(conn, env.TaskID)
	if !ok {
		return
	}
	p.TaskFailed(t, env.Reason)
}

func (g *Gateway) resolve(conn *websocket.Conn, taskID string) (*provider.Provider, *task.Task, bool) {
	g.mu.Lock()
	id := g.byConn[conn]
	g.mu.Unlock()
	if id == "" {
		log.Printf("gateway: message from unregistered connection")
		return nil, nil, false
	}
	p, ok := g.dispatcher.Provider(id)
	if !ok {
		log.Printf("gateway: provider %s is no longer registered", id)
		return nil, nil, false
	}
	t, ok := g.tasks.Lookup(taskID)
	if !ok {
		log.Printf("gateway: unknown task %s from provider %s", taskID, id)
		return nil, nil, false
	}
	return p, t, true
}

func (g *Gateway) handleDisconnect(conn *websocket.Conn) {
	g.mu.Lock()
	id := g.byConn[conn]
	delete(g.byConn, conn)
	if id != "" {
		if _, ok := g.dispatcher.Provider(id); !ok {
			delete(g.transit, id)
		}
	}
	g.mu.Unlock()

	if id == "" {
		return
	}
	if p, ok := g.dispatcher.Provider(id); ok {
		p.ConnectionLost()
	}
}
