package hooks

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is one entry of the host's event feed.
type Event struct {
	Type       HookType        `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// DecodeEvent parses a raw `{type, properties}` payload.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrEventMalformed, err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrEventMalformed)
	}
	return ev, nil
}

type hostTime struct {
	Created int64 `json:"created"`
}

type sessionInfo struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Directory string   `json:"directory"`
	Time      hostTime `json:"time"`
}

type messageInfo struct {
	ID         string   `json:"id"`
	SessionID  string   `json:"sessionID"`
	Role       string   `json:"role"`
	ProviderID string   `json:"providerID"`
	ModelID    string   `json:"modelID"`
	Summary    bool     `json:"summary"`
	Error      any      `json:"error"`
	Time       hostTime `json:"time"`
}

type eventProps struct {
	SessionID string          `json:"sessionID"`
	Error     any             `json:"error"`
	Info      json.RawMessage `json:"info"`
	CallID    string          `json:"callID"`
	Tool      string          `json:"tool"`
	Args      map[string]any  `json:"args"`
	Output    any             `json:"output"`
}

// Context converts the event into a hook context. Unknown event types are
// reported with ErrHookTypeInvalid so callers can count and drop them.
func (e Event) Context() (*Context, error) {
	if !IsValidHookType(e.Type) {
		return nil, fmt.Errorf("%w: %s", ErrHookTypeInvalid, e.Type)
	}

	var props eventProps
	if len(e.Properties) > 0 && string(e.Properties) != "null" {
		if err := json.Unmarshal(e.Properties, &props); err != nil {
			return nil, fmt.Errorf("%w: %s properties: %v", ErrEventMalformed, e.Type, err)
		}
	}

	hookCtx := NewContext(e.Type)

	switch e.Type {
	case HookSessionError:
		hookCtx.WithSession(&SessionContext{ID: props.SessionID})
		hookCtx.WithError(&ErrorContext{Raw: props.Error})

	case HookSessionIdle:
		hookCtx.WithSession(&SessionContext{ID: props.SessionID})

	case HookSessionCreated, HookSessionUpdated, HookSessionDeleted:
		var info sessionInfo
		if err := decodeInfo(props.Info, &info); err != nil {
			return nil, fmt.Errorf("%w: %s info: %v", ErrEventMalformed, e.Type, err)
		}
		if info.ID == "" {
			info.ID = props.SessionID
		}
		session := &SessionContext{ID: info.ID, Title: info.Title, Directory: info.Directory}
		if info.Time.Created > 0 {
			session.CreatedAt = time.UnixMilli(info.Time.Created)
		}
		hookCtx.WithSession(session)

	case HookMessageUpdated:
		var info messageInfo
		if err := decodeInfo(props.Info, &info); err != nil {
			return nil, fmt.Errorf("%w: %s info: %v", ErrEventMalformed, e.Type, err)
		}
		hookCtx.WithSession(&SessionContext{ID: info.SessionID})
		hookCtx.WithMessage(&MessageContext{
			ID:         info.ID,
			SessionID:  info.SessionID,
			Role:       info.Role,
			ProviderID: info.ProviderID,
			ModelID:    info.ModelID,
			Summary:    info.Summary,
			Error:      info.Error,
		})

	case HookToolBefore, HookToolAfter:
		hookCtx.WithSession(&SessionContext{ID: props.SessionID})
		hookCtx.WithToolCall(&ToolCallContext{
			ID:       props.CallID,
			ToolName: props.Tool,
			Args:     props.Args,
			Output:   props.Output,
		})
	}

	return hookCtx, nil
}

func decodeInfo(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
