package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/shurlinet/parley/internal/chat"
	"github.com/shurlinet/parley/internal/node"
	"github.com/shurlinet/parley/internal/session"
	"github.com/shurlinet/parley/internal/voice"
	"github.com/shurlinet/parley/pkg/p2pnet"
)

// maxRequestBodySize limits the size of JSON request bodies to prevent
// unbounded memory consumption from oversized or malicious payloads.
const maxRequestBodySize = 1 << 20 // 1 MB

const (
	eventPingInterval = 30 * time.Second
	eventWriteTimeout = 10 * time.Second
)

// The socket is 0600 and every request carries the cookie, so the origin
// header adds nothing.
var eventUpgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	CheckOrigin:      func(*http.Request) bool { return true },
}

// registerRoutes sets up all HTTP routes on the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Read-only
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/peers", s.handlePeerList)
	mux.HandleFunc("GET /v1/call", s.handleCallState)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	// Mutations
	mux.HandleFunc("POST /v1/name", s.handleSetName)
	mux.HandleFunc("POST /v1/connect", s.handleConnect)
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("POST /v1/call", s.handleCall)
	mux.HandleFunc("POST /v1/call/answer", s.handleAnswer)
	mux.HandleFunc("POST /v1/call/audio", s.handleAudio)
	mux.HandleFunc("DELETE /v1/call", s.handleHangup)
	mux.HandleFunc("POST /v1/relay", s.handleRelayServe)
	mux.HandleFunc("POST /v1/relay/join", s.handleRelayJoin)
	mux.HandleFunc("POST /v1/shutdown", s.handleShutdown)
}

// --- Format helpers ---

// wantsText returns true if the client prefers plain text output.
func wantsText(r *http.Request) bool {
	if r.URL.Query().Get("format") == "text" {
		return true
	}
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "text/plain")
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(DataResponse{Data: data})
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: msg})
}

// respondText writes a plain text response.
func respondText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	fmt.Fprint(w, text)
}

// decodeBody reads a size-limited JSON body into v, answering 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodySize)).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// errorStatus maps node errors to HTTP status codes. fallback covers
// everything unrecognised.
func errorStatus(err error, fallback int) int {
	switch {
	case errors.Is(err, p2pnet.ErrInvalidPeerAddress),
		errors.Is(err, p2pnet.ErrDHTDisabled),
		errors.Is(err, node.ErrInvalidDisplayName),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, voice.ErrChunkTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, voice.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, voice.ErrAlreadyInCall),
		errors.Is(err, voice.ErrNotRinging),
		errors.Is(err, voice.ErrNoActiveStream),
		errors.Is(err, voice.ErrCallCancelled),
		errors.Is(err, chat.ErrNoPeers):
		return http.StatusConflict
	case errors.Is(err, p2pnet.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, node.ErrClosed),
		errors.Is(err, node.ErrNotStarted):
		return http.StatusServiceUnavailable
	}
	return fallback
}

// shortPeer truncates a peer ID string for text output.
func shortPeer(id string) string {
	if len(id) > 16 {
		return id[:16] + "..."
	}
	return id
}

// --- Handlers ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.runtime.Status()

	if wantsText(r) {
		var sb strings.Builder
		fmt.Fprintf(&sb, "peer_id: %s\n", st.PeerID)
		fmt.Fprintf(&sb, "version: %s\n", st.Version)
		fmt.Fprintf(&sb, "display_name: %s\n", st.DisplayName)
		fmt.Fprintf(&sb, "uptime: %ds\n", st.UptimeSeconds)
		states := make([]session.State, 0, len(st.Sessions))
		for state := range st.Sessions {
			states = append(states, state)
		}
		slices.Sort(states)
		for _, state := range states {
			fmt.Fprintf(&sb, "sessions.%s: %d\n", state, st.Sessions[state])
		}
		fmt.Fprintf(&sb, "call: %s\n", st.Call.Phase)
		if st.Call.Phase != voice.PhaseIdle {
			fmt.Fprintf(&sb, "  %s %s %s\n", st.Call.Direction, shortPeer(st.Call.Peer.String()), st.Call.CallID)
		}
		if st.RelayServing != "" {
			fmt.Fprintf(&sb, "relay_serving: %s\n", st.RelayServing)
		}
		if st.NATType != "" {
			fmt.Fprintf(&sb, "nat_type: %s\n", st.NATType)
		}
		if st.Reachability.Grade != "" {
			fmt.Fprintf(&sb, "reachability: %s %s (%s)\n", st.Reachability.Grade, st.Reachability.Label, st.Reachability.Description)
		}
		if len(st.ExternalAddrs) > 0 {
			fmt.Fprintf(&sb, "external_addresses: %d\n", len(st.ExternalAddrs))
			for _, a := range st.ExternalAddrs {
				fmt.Fprintf(&sb, "  %s\n", a)
			}
		}
		fmt.Fprintf(&sb, "listen_addresses: %d\n", len(st.ListenAddrs))
		for _, a := range st.ListenAddrs {
			fmt.Fprintf(&sb, "  %s\n", a)
		}
		fmt.Fprintf(&sb, "relay_addresses: %d\n", len(st.RelayAddrs))
		for _, a := range st.RelayAddrs {
			fmt.Fprintf(&sb, "  %s\n", a)
		}
		respondText(w, http.StatusOK, sb.String())
		return
	}

	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handlePeerList(w http.ResponseWriter, r *http.Request) {
	peers := s.runtime.Peers()
	if r.URL.Query().Get("all") != "true" {
		peers = slices.DeleteFunc(peers, func(p node.PeerInfo) bool {
			return p.State == session.StateLost || p.State == session.StateUnknown
		})
	}

	if wantsText(r) {
		var sb strings.Builder
		for _, p := range peers {
			path := string(p.Path)
			if path == "" {
				path = "-"
			}
			fmt.Fprintf(&sb, "%s\t%s\t%s\t%s\t%d addrs\t%s\n", shortPeer(p.ID), p.State, path, p.Upgrade, len(p.Addresses), p.SafetyCode.Digits)
		}
		respondText(w, http.StatusOK, sb.String())
		return
	}

	respondJSON(w, http.StatusOK, peers)
}

func (s *Server) handleCallState(w http.ResponseWriter, r *http.Request) {
	st := s.runtime.CallState()
	if wantsText(r) {
		if st.Phase == voice.PhaseIdle {
			respondText(w, http.StatusOK, "idle\n")
			return
		}
		respondText(w, http.StatusOK, fmt.Sprintf("%s\t%s\t%s\t%s\n", st.Phase, st.Direction, shortPeer(st.Peer.String()), st.CallID))
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleSetName(w http.ResponseWriter, r *http.Request) {
	var req NameRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.runtime.SetLocalDisplayName(req.Name); err != nil {
		respondError(w, errorStatus(err, http.StatusInternalServerError), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, NameResponse{Name: strings.TrimSpace(req.Name)})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Target) == "" {
		respondError(w, http.StatusBadRequest, "target is required")
		return
	}

	id, err := s.runtime.ConnectToPeer(r.Context(), req.Target)
	if err != nil {
		respondError(w, errorStatus(err, http.StatusBadGateway), fmt.Sprintf("cannot reach peer %q: %v", req.Target, err))
		return
	}

	path := s.runtime.Path(id)
	slog.Info("daemon: peer connected via API", "peer", p2pnet.ShortID(id), "path", path)
	respondJSON(w, http.StatusOK, ConnectResponse{PeerID: id.String(), Path: path})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	n, err := s.runtime.SendChatMessage(r.Context(), req.Text)
	if err != nil {
		respondError(w, errorStatus(err, http.StatusBadGateway), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, ChatResponse{Delivered: n})
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	var req CallRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := peer.Decode(strings.TrimSpace(req.Peer))
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid peer ID %q: %v", req.Peer, err))
		return
	}
	callID, err := s.runtime.InitiateVoiceCall(r.Context(), id)
	if err != nil {
		respondError(w, errorStatus(err, http.StatusBadGateway), err.Error())
		return
	}
	slog.Info("daemon: call started via API", "peer", p2pnet.ShortID(id), "call", callID)
	respondJSON(w, http.StatusOK, CallResponse{CallID: callID})
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.AnswerVoiceCall(); err != nil {
		respondError(w, errorStatus(err, http.StatusInternalServerError), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.runtime.CallState())
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	var req AudioRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.runtime.SendVoiceChunk(req.Chunk); err != nil {
		respondError(w, errorStatus(err, http.StatusBadGateway), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, StatusMessage{Status: "sent"})
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.TerminateVoiceCall(); err != nil {
		respondError(w, errorStatus(err, http.StatusInternalServerError), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, StatusMessage{Status: "idle"})
}

func (s *Server) handleRelayServe(w http.ResponseWriter, r *http.Request) {
	addr, err := s.runtime.StartRelayRole()
	if err != nil {
		respondError(w, errorStatus(err, http.StatusInternalServerError), err.Error())
		return
	}
	slog.Info("daemon: relay role started via API", "addr", addr)
	respondJSON(w, http.StatusOK, RelayResponse{Address: addr.String()})
}

func (s *Server) handleRelayJoin(w http.ResponseWriter, r *http.Request) {
	var req RelayJoinRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Address) == "" {
		respondError(w, http.StatusBadRequest, "address is required")
		return
	}
	addr, err := s.runtime.JoinViaRelay(r.Context(), req.Address)
	if err != nil {
		respondError(w, errorStatus(err, http.StatusBadGateway), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, RelayResponse{Address: addr.String()})
}

// handleEvents streams node events as JSON websocket text frames.
// ?types=a,b limits the stream to those event types.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var filter map[node.EventType]struct{}
	if raw := r.URL.Query().Get("types"); raw != "" {
		filter = make(map[node.EventType]struct{})
		for t := range strings.SplitSeq(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter[node.EventType(t)] = struct{}{}
			}
		}
	}

	conn, err := eventUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("daemon: event stream upgrade failed", "error", err)
		return
	}
	if !s.trackStream(conn) {
		conn.Close()
		return
	}
	defer func() {
		s.untrackStream(conn)
		conn.Close()
	}()

	sub := s.runtime.Subscribe(0)
	defer sub.Close()

	// The client never sends data; reading only surfaces its close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "node closed")
				conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(eventWriteTimeout))
				return
			}
			if filter != nil {
				if _, want := filter[ev.Type]; !want {
					continue
				}
			}
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				slog.Debug("daemon: event stream write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteTimeout)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, StatusMessage{Status: "shutting down"})

	// Signal shutdown after response is sent
	go func() {
		time.Sleep(100 * time.Millisecond) // let response flush
		s.requestShutdown()
	}()
}
