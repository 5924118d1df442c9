package protocol

import (
	"encoding/json"
)

type Register struct {
	SessionID string
}

type Registered struct {
	SessionID string
	Online    []string
}

type Join struct {
	SessionID string
	Timestamp string
}

type Leave struct {
	SessionID string
	Timestamp string
}

// Sent confirms that the hub processed an application message. To echoes
// the requested recipients; Broadcast is set when none were given.
type Sent struct {
	ID        string
	To        []string
	Broadcast bool
}

type ErrorReply struct {
	Message string
}

// Application is any frame whose type the hub does not interpret. From,
// Timestamp and ID are always set by the hub. Extra holds any other
// top-level fields, forwarded untouched.
type Application struct {
	Type      string
	Body      json.RawMessage
	To        []string
	From      string
	Timestamp string
	ID        string
	Extra     map[string]json.RawMessage
}

func (Register) Kind() Kind    { return KindRegister }
func (Registered) Kind() Kind  { return KindRegistered }
func (Join) Kind() Kind        { return KindJoin }
func (Leave) Kind() Kind       { return KindLeave }
func (Sent) Kind() Kind        { return KindSent }
func (ErrorReply) Kind() Kind  { return KindError }
func (Application) Kind() Kind { return KindApplication }

// BodyString returns the body when it is a JSON string, or the raw JSON otherwise.
func (a *Application) BodyString() string {
	if len(a.Body) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(a.Body, &s); err == nil {
		return s
	}
	return string(a.Body)
}

func (m Register) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      string `json:"type"`
		SessionID string `json:"session_id"`
	}{KindRegister.String(), m.SessionID})
}

func (m Registered) MarshalJSON() ([]byte, error) {
	online := m.Online
	if online == nil {
		online = []string{}
	}
	return json.Marshal(struct {
		Type      string   `json:"type"`
		SessionID string   `json:"session_id"`
		Online    []string `json:"online"`
	}{KindRegistered.String(), m.SessionID, online})
}

func (m Join) MarshalJSON() ([]byte, error) {
	return json.Marshal(presence{KindJoin.String(), m.SessionID, m.Timestamp})
}

func (m Leave) MarshalJSON() ([]byte, error) {
	return json.Marshal(presence{KindLeave.String(), m.SessionID, m.Timestamp})
}

type presence struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Timestamp string `json:"timestamp"`
}

func (m Sent) MarshalJSON() ([]byte, error) {
	var to any = m.To
	if m.Broadcast || len(m.To) == 0 {
		to = BroadcastTarget
	}
	return json.Marshal(struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		To   any    `json:"to"`
	}{KindSent.String(), m.ID, to})
}

func (m ErrorReply) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type  string `json:"type"`
		Error string `json:"error"`
	}{KindError.String(), m.Message})
}

func (m Application) MarshalJSON() ([]byte, error) {
	fields := make(map[string]any, len(m.Extra)+6)
	for key, value := range m.Extra {
		fields[key] = value
	}
	msgType := m.Type
	if msgType == "" {
		msgType = DefaultType
	}
	fields["type"] = msgType
	if len(m.Body) > 0 {
		fields["body"] = m.Body
	}
	if len(m.To) > 0 {
		fields["to"] = m.To
	}
	if m.From != "" {
		fields["from"] = m.From
	}
	if m.Timestamp != "" {
		fields["timestamp"] = m.Timestamp
	}
	if m.ID != "" {
		fields["id"] = m.ID
	}
	return json.Marshal(fields)
}
