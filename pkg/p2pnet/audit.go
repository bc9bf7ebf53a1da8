package p2pnet

import (
	"log/slog"
)

// AuditLogger writes structured audit events for security-relevant actions.
// All methods are nil-safe: calling any method on a nil *AuditLogger is a no-op.
// This allows callers to skip nil checks at every call site.
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates an AuditLogger that writes to the given handler.
// All audit events are written under the "audit" group for easy filtering.
func NewAuditLogger(handler slog.Handler) *AuditLogger {
	return &AuditLogger{
		logger: slog.New(handler).WithGroup("audit"),
	}
}

// AdmissionDecision logs whether a new connection was accepted as a peer
// session. path is DIRECT or RELAYED.
func (a *AuditLogger) AdmissionDecision(peerID string, path PathType, result string) {
	if a == nil {
		return
	}
	a.logger.Info("admission_decision",
		"peer", peerID,
		"path", string(path),
		"result", result,
	)
}

// AdvertRejected logs an address advert that was refused, such as one
// naming a different peer identity.
func (a *AuditLogger) AdvertRejected(peerID, addr, reason string) {
	if a == nil {
		return
	}
	a.logger.Warn("advert_rejected",
		"peer", peerID,
		"addr", addr,
		"reason", reason,
	)
}

// DaemonAPIAccess logs an API request to the daemon.
func (a *AuditLogger) DaemonAPIAccess(method, path string, status int) {
	if a == nil {
		return
	}
	a.logger.Info("daemon_api_access",
		"method", method,
		"path", path,
		"status", status,
	)
}

// RelayRoleChange logs the relay role starting or stopping.
func (a *AuditLogger) RelayRoleChange(action, addr string) {
	if a == nil {
		return
	}
	a.logger.Info("relay_role_change",
		"action", action,
		"addr", addr,
	)
}
