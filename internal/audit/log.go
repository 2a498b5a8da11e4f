// Package audit writes the structured trail of access decisions and
// credential lifecycle transitions.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"moonwatch.org/internal/acl"
	"moonwatch.org/internal/obs"
)

type ctxKey string

const (
	requestIDKey ctxKey = "audit_request_id"
	viewerKey    ctxKey = "audit_viewer"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithViewer attaches the resolved viewer identity to the context.
func WithViewer(ctx context.Context, v acl.Viewer) context.Context {
	return context.WithValue(ctx, viewerKey, v)
}

// ViewerFromContext returns the viewer identity attached to the request,
// or the anonymous viewer.
func ViewerFromContext(ctx context.Context) acl.Viewer {
	if ctx == nil {
		return acl.Viewer{}
	}
	if v, ok := ctx.Value(viewerKey).(acl.Viewer); ok {
		return v
	}
	return acl.Viewer{}
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and viewer context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if v := ViewerFromContext(ctx); !v.Anonymous() {
		entry["character_id"] = v.CharacterID
		entry["corporation_id"] = v.CorporationID
	}
	if len(fields) > 0 {
		copyFields := make(map[string]any, len(fields))
		for k, v := range fields {
			copyFields[k] = v
		}
		entry["fields"] = copyFields
	} else {
		entry["fields"] = map[string]any{}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

// AccessDecision records the outcome of a permission check on a read
// endpoint. Denials are the interesting part of the trail.
func AccessDecision(ctx context.Context, resource string, allowed bool) {
	_ = LogEvent(ctx, "access_decision", map[string]any{
		"resource": resource,
		"allowed":  allowed,
	})
}
