// Command meshrelay is the always-on relay fallback server: a secure
// WebSocket hub that every mesh node can reach even when LAN and direct
// peer-to-peer paths are unavailable. Admission requires a founder-signed
// mesh token; frames are routed by destination node id.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/latticemesh/meshnode/internal/meshauth"
	"github.com/latticemesh/meshnode/internal/transport"
	"github.com/latticemesh/meshnode/internal/watchdog"
)

var (
	version = "dev"
	commit  = "unknown"
)

// closeAuthFailed rejects an unauthenticated connection with a websocket
// Close control frame carrying the auth_failed status, then drops it.
func closeAuthFailed(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, transport.RelayAuthFailedReason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// hub relays binary frames between connected nodes, each frame prefixed
// with a 2-byte big-endian length and the destination node id, matching
// internal/transport.RelayDriver's relayFrame encoding.
type hub struct {
	meshID     string
	founderPub crypto.PubKey // nil disables mesh-token admission checks

	mu    sync.RWMutex
	conns map[string]*websocket.Conn
}

func newHub(meshID string, founderPub crypto.PubKey) *hub {
	return &hub{meshID: meshID, founderPub: founderPub, conns: make(map[string]*websocket.Conn)}
}

func (h *hub) register(nodeID string, conn *websocket.Conn) {
	h.mu.Lock()
	if old, ok := h.conns[nodeID]; ok {
		old.Close()
	}
	h.conns[nodeID] = conn
	h.mu.Unlock()
}

func (h *hub) unregister(nodeID string) {
	h.mu.Lock()
	delete(h.conns, nodeID)
	h.mu.Unlock()
}

func (h *hub) deliver(destNodeID string, frame []byte) error {
	h.mu.RLock()
	conn, ok := h.conns[destNodeID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("meshrelay: no connection for node %s", destNodeID)
	}
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (h *hub) peerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// serveWS upgrades the connection, reads the admission handshake frame (the
// node's mesh token, presented as the raw first binary message, per
// internal/transport.RelayDriver.ensureConn), and registers the connection
// under the token's subject node id before entering the relay loop.
func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("meshrelay: upgrade failed", "error", err)
		return
	}

	_, tokenBytes, err := conn.ReadMessage()
	if err != nil {
		slog.Warn("meshrelay: read admission handshake failed", "error", err)
		conn.Close()
		return
	}
	var tok meshauth.MeshToken
	if err := json.Unmarshal(tokenBytes, &tok); err != nil {
		slog.Warn("meshrelay: invalid mesh token presented", "error", err)
		closeAuthFailed(conn)
		return
	}
	if h.founderPub != nil {
		if err := tok.Verify(h.meshID, h.founderPub); err != nil {
			slog.Warn("meshrelay: mesh token failed verification", "node", tok.NodeID, "error", err)
			closeAuthFailed(conn)
			return
		}
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, transport.RelayAdmissionAck); err != nil {
		slog.Warn("meshrelay: write admission ack failed", "node", tok.NodeID, "error", err)
		conn.Close()
		return
	}

	h.register(tok.NodeID, conn)
	slog.Info("meshrelay: node connected", "node", tok.NodeID, "peers", h.peerCount())
	defer func() {
		h.unregister(tok.NodeID)
		conn.Close()
		slog.Info("meshrelay: node disconnected", "node", tok.NodeID, "peers", h.peerCount())
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage || len(data) < 2 {
			continue
		}
		idLen := int(data[0])<<8 | int(data[1])
		if len(data) < 2+idLen {
			continue
		}
		destNodeID := string(data[2 : 2+idLen])
		if err := h.deliver(destNodeID, data); err != nil {
			slog.Debug("meshrelay: relay failed", "from", tok.NodeID, "to", destNodeID, "error", err)
		}
	}
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version", "--version":
			fmt.Printf("meshrelay %s (%s)\n", version, commit)
			fmt.Printf("Go %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
			os.Exit(1)
		}
	}

	addr := os.Getenv("MESHRELAY_LISTEN")
	if addr == "" {
		addr = ":9443"
	}

	meshID := os.Getenv("MESHRELAY_MESH_ID")

	var founderPub crypto.PubKey
	if path := os.Getenv("MESHRELAY_FOUNDER_KEY"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			slog.Error("meshrelay: read founder key failed", "path", path, "error", err)
			os.Exit(1)
		}
		pub, err := crypto.UnmarshalPublicKey(raw)
		if err != nil {
			slog.Error("meshrelay: parse founder key failed", "path", path, "error", err)
			os.Exit(1)
		}
		if meshID == "" {
			slog.Error("meshrelay: MESHRELAY_MESH_ID is required when MESHRELAY_FOUNDER_KEY is set")
			os.Exit(1)
		}
		founderPub = pub
	}

	h := newHub(meshID, founderPub)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/relay", h.serveWS)

	srv := &http.Server{Addr: addr, Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		slog.Info("meshrelay: listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("meshrelay: server error", "error", err)
		}
	}()

	watchdog.Ready()
	go watchdog.Run(ctx, watchdog.Config{Interval: 30 * time.Second}, []watchdog.HealthCheck{
		{Name: "relay-listening", Check: func() error {
			if h.peerCount() < 0 {
				return fmt.Errorf("relay hub in inconsistent state")
			}
			return nil
		}},
	}, nil)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
	watchdog.Stopping()
	cancel()

	shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shCancel()
	_ = srv.Shutdown(shCtx)
}
