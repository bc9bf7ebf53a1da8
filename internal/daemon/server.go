// Package daemon serves the parley control API on a Unix socket and
// provides the matching client used by the CLI.
package daemon

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/sys/unix"

	"github.com/shurlinet/parley/internal/node"
	"github.com/shurlinet/parley/internal/voice"
	"github.com/shurlinet/parley/pkg/p2pnet"
)

// Runtime is the node surface the API drives. *node.Node implements it.
type Runtime interface {
	Status() node.Status
	Peers() []node.PeerInfo
	SetLocalDisplayName(name string) error
	ConnectToPeer(ctx context.Context, target string) (peer.ID, error)
	Path(p peer.ID) p2pnet.PathType
	SendChatMessage(ctx context.Context, text string) (int, error)
	InitiateVoiceCall(ctx context.Context, p peer.ID) (string, error)
	AnswerVoiceCall() error
	SendVoiceChunk(chunk []byte) error
	TerminateVoiceCall() error
	CallState() voice.CallState
	JoinViaRelay(ctx context.Context, relayAddr string) (ma.Multiaddr, error)
	StartRelayRole() (ma.Multiaddr, error)
	Subscribe(buffer int) *node.Subscription
}

var _ Runtime = (*node.Node)(nil)

// Server is the daemon's Unix socket HTTP API server.
type Server struct {
	runtime    Runtime
	httpServer *http.Server
	listener   net.Listener
	socketPath string
	cookiePath string
	authToken  string
	version    string

	shutdownCh   chan struct{} // closed to signal shutdown to the daemon main loop
	shutdownOnce sync.Once

	// Optional observability (nil when telemetry disabled)
	metrics *p2pnet.Metrics
	audit   *p2pnet.AuditLogger

	// Event streams are hijacked connections that http.Server.Shutdown
	// does not close, so Stop closes them itself.
	mu      sync.Mutex
	stopped bool
	streams map[*websocket.Conn]struct{}
}

// NewServer creates a new daemon API server.
func NewServer(runtime Runtime, socketPath, cookiePath, version string) *Server {
	return &Server{
		runtime:    runtime,
		socketPath: socketPath,
		cookiePath: cookiePath,
		version:    version,
		shutdownCh: make(chan struct{}),
		streams:    make(map[*websocket.Conn]struct{}),
	}
}

// SetInstrumentation configures optional metrics and audit logging.
// Must be called before Start(). Both parameters are nil-safe.
func (s *Server) SetInstrumentation(metrics *p2pnet.Metrics, audit *p2pnet.AuditLogger) {
	s.metrics = metrics
	s.audit = audit
}

// ShutdownCh returns a channel that is closed when a shutdown is requested
// via the API (POST /v1/shutdown).
func (s *Server) ShutdownCh() <-chan struct{} {
	return s.shutdownCh
}

// Start creates the Unix socket, writes the cookie file, and starts serving.
// It returns immediately - the server runs in a background goroutine.
func (s *Server) Start() error {
	token, err := generateCookie()
	if err != nil {
		return fmt.Errorf("failed to generate auth cookie: %w", err)
	}
	s.authToken = token

	if err := s.checkStaleSocket(); err != nil {
		return err
	}

	// umask(0077) makes the socket 0600 at creation, with no window
	// between Listen and Chmod.
	oldUmask := unix.Umask(0077)
	listener, err := net.Listen("unix", s.socketPath)
	unix.Umask(oldUmask)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}

	// Cookie goes out only once the socket is secured.
	if err := os.WriteFile(s.cookiePath, []byte(token), 0600); err != nil {
		listener.Close()
		os.Remove(s.socketPath)
		return fmt.Errorf("failed to write cookie file: %w", err)
	}
	slog.Info("daemon: cookie written", "path", s.cookiePath)

	s.listener = listener

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Handler:      InstrumentHandler(s.authMiddleware(mux), s.metrics, s.audit),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("daemon: server error", "error", err)
		}
	}()

	slog.Info("daemon: API listening", "socket", s.socketPath)
	return nil
}

// Stop gracefully shuts down the HTTP server, closes event streams,
// and cleans up the socket and cookie files.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	slog.Info("daemon: server shutting down")
	s.stopped = true
	for conn := range s.streams {
		conn.Close()
	}
	s.streams = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.httpServer.Shutdown(ctx)
	}

	os.Remove(s.socketPath)
	os.Remove(s.cookiePath)
	slog.Info("daemon: server stopped")
}

// trackStream registers an event stream. It reports false once Stop has
// begun; the caller must then close conn itself.
func (s *Server) trackStream(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.streams[conn] = struct{}{}
	return true
}

func (s *Server) untrackStream(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.streams, conn)
	s.mu.Unlock()
}

// requestShutdown closes ShutdownCh once.
func (s *Server) requestShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// checkStaleSocket checks if a daemon is already running on the socket.
// If the socket exists but no daemon is listening, it removes the stale socket.
func (s *Server) checkStaleSocket() error {
	if _, err := os.Stat(s.socketPath); os.IsNotExist(err) {
		return nil
	}

	conn, err := net.DialTimeout("unix", s.socketPath, 2*time.Second)
	if err != nil {
		slog.Info("daemon: removing stale socket", "path", s.socketPath)
		os.Remove(s.socketPath)
		return nil
	}

	conn.Close()
	return fmt.Errorf("%w: socket %s is already in use", ErrDaemonAlreadyRunning, s.socketPath)
}

// generateCookie creates a 32-byte random hex token.
func generateCookie() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// authMiddleware checks the Authorization: Bearer <token> header on every request.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.authToken {
			respondError(w, http.StatusUnauthorized, "unauthorized: invalid or missing auth token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SocketPath returns the path to the Unix socket.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Listener returns the underlying net.Listener (for health checks).
func (s *Server) Listener() net.Listener {
	return s.listener
}
