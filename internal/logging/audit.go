package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditEventSessionStart AuditEventType = "session_start"
	AuditEventSessionEnd   AuditEventType = "session_end"
	AuditEventKeyGenerated AuditEventType = "key_generated"
	AuditEventKeyAccess    AuditEventType = "key_access"
	AuditEventExport       AuditEventType = "export"
	AuditEventVerification AuditEventType = "verification"
	AuditEventError        AuditEventType = "error"
)

// AuditEvent is one JSON line in the audit trail.
type AuditEvent struct {
	Timestamp  time.Time      `json:"timestamp"`
	EventType  AuditEventType `json:"event_type"`
	Component  string         `json:"component"`
	SessionID  string         `json:"session_id,omitempty"`
	DocumentID string         `json:"document_id,omitempty"`
	Action     string         `json:"action"`
	Resource   string         `json:"resource,omitempty"`
	Result     string         `json:"result"` // "success" or "failure"
	Details    map[string]any `json:"details,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// AuditLogger appends audit events to a file, one JSON object per line.
type AuditLogger struct {
	w         io.Writer
	closer    io.Closer
	component string
	mu        sync.Mutex
	sessionID string
}

// NewAuditLogger opens (or creates) the audit file at path with mode 0600.
func NewAuditLogger(path, component string) (*AuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &AuditLogger{w: f, closer: f, component: component}, nil
}

// NewAuditWriter returns an audit logger writing to w.
func NewAuditWriter(w io.Writer, component string) *AuditLogger {
	return &AuditLogger{w: w, component: component}
}

// SetSessionID sets the session id stamped on subsequent events.
func (a *AuditLogger) SetSessionID(sessionID string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessionID = sessionID
}

// Log writes an audit event. A nil logger is a no-op.
func (a *AuditLogger) Log(_ context.Context, event AuditEvent) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Component == "" {
		event.Component = a.component
	}
	if event.SessionID == "" {
		event.SessionID = a.sessionID
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')
	if _, err := a.w.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// LogSessionStart records the start of an authoring session.
func (a *AuditLogger) LogSessionStart(ctx context.Context, sessionID, documentID, path string) error {
	a.SetSessionID(sessionID)
	return a.Log(ctx, AuditEvent{
		EventType:  AuditEventSessionStart,
		Action:     "session_started",
		DocumentID: documentID,
		Resource:   path,
		Result:     "success",
	})
}

// LogSessionEnd records the end of the current session.
func (a *AuditLogger) LogSessionEnd(ctx context.Context, details map[string]any) error {
	err := a.Log(ctx, AuditEvent{
		EventType: AuditEventSessionEnd,
		Action:    "session_ended",
		Result:    "success",
		Details:   details,
	})
	a.SetSessionID("")
	return err
}

// LogKeyGenerated records creation of a signing key.
func (a *AuditLogger) LogKeyGenerated(ctx context.Context, fingerprint string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventKeyGenerated,
		Action:    "key_generated",
		Resource:  fingerprint,
		Result:    "success",
		Details:   map[string]any{"key_type": "ed25519"},
	})
}

// LogKeyAccess records a use of the private key.
func (a *AuditLogger) LogKeyAccess(ctx context.Context, fingerprint, operation string, ok bool) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventKeyAccess,
		Action:    operation,
		Resource:  fingerprint,
		Result:    result(ok),
	})
}

// LogExport records a signed export.
func (a *AuditLogger) LogExport(ctx context.Context, documentHash, outputPath string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventExport,
		Action:    "artifact_exported",
		Resource:  outputPath,
		Result:    "success",
		Details:   map[string]any{"document_hash": documentHash},
	})
}

// LogVerification records a verifier outcome.
func (a *AuditLogger) LogVerification(ctx context.Context, artifact, status string, ok bool) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventVerification,
		Action:    "verification_performed",
		Resource:  artifact,
		Result:    result(ok),
		Details:   map[string]any{"status": status},
	})
}

// LogError records a failed operation.
func (a *AuditLogger) LogError(ctx context.Context, operation string, err error) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventError,
		Action:    operation,
		Result:    "failure",
		Error:     err.Error(),
	})
}

// Close closes the underlying file, if any.
func (a *AuditLogger) Close() error {
	if a == nil || a.closer == nil {
		return nil
	}
	return a.closer.Close()
}
