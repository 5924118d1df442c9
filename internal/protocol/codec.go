package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned for frames that are not a JSON object.
var ErrMalformed = errors.New("invalid JSON")

// FieldError reports a missing or mistyped field on an otherwise valid frame.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
}

// reserved fields are never copied into Application.Extra.
var reserved = map[string]struct{}{
	"type": {}, "body": {}, "to": {}, "from": {}, "timestamp": {}, "id": {},
}

// Encode renders m as a single line terminated by '\n'.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// DecodeFromClient parses a frame received by the hub. Only REGISTER is
// structural; every other type is an application message whose from,
// timestamp and id are discarded since the hub assigns them.
func DecodeFromClient(frame []byte) (Message, error) {
	fields, msgType, err := splitFields(frame)
	if err != nil {
		return nil, err
	}
	if msgType == KindRegister.String() {
		id, err := stringField(fields, "session_id")
		if err != nil {
			return nil, err
		}
		if id == "" {
			return nil, &FieldError{Field: "session_id", Reason: "required"}
		}
		return &Register{SessionID: id}, nil
	}
	app, err := application(fields, msgType)
	if err != nil {
		return nil, err
	}
	app.From, app.Timestamp, app.ID = "", "", ""
	return app, nil
}

// DecodeFromBroker parses a frame received by a client.
func DecodeFromBroker(frame []byte) (Message, error) {
	fields, msgType, err := splitFields(frame)
	if err != nil {
		return nil, err
	}
	switch msgType {
	case KindRegistered.String():
		id, err := stringField(fields, "session_id")
		if err != nil {
			return nil, err
		}
		var online []string
		if raw, ok := fields["online"]; ok {
			if err := json.Unmarshal(raw, &online); err != nil {
				return nil, &FieldError{Field: "online", Reason: "must be a list of strings"}
			}
		}
		return &Registered{SessionID: id, Online: online}, nil
	case KindJoin.String(), KindLeave.String():
		id, err := stringField(fields, "session_id")
		if err != nil {
			return nil, err
		}
		ts, err := stringField(fields, "timestamp")
		if err != nil {
			return nil, err
		}
		if msgType == KindJoin.String() {
			return &Join{SessionID: id, Timestamp: ts}, nil
		}
		return &Leave{SessionID: id, Timestamp: ts}, nil
	case KindSent.String():
		id, err := stringField(fields, "id")
		if err != nil {
			return nil, err
		}
		sent := &Sent{ID: id}
		var target string
		if raw, ok := fields["to"]; ok && json.Unmarshal(raw, &target) == nil && target == BroadcastTarget {
			sent.Broadcast = true
			return sent, nil
		}
		if sent.To, err = recipients(fields); err != nil {
			return nil, err
		}
		sent.Broadcast = len(sent.To) == 0
		return sent, nil
	case KindError.String():
		text, err := stringField(fields, "error")
		if err != nil {
			return nil, err
		}
		return &ErrorReply{Message: text}, nil
	}
	app, err := application(fields, msgType)
	if err != nil {
		return nil, err
	}
	if app.From == "" {
		return nil, &FieldError{Field: "from", Reason: "required"}
	}
	return app, nil
}

func splitFields(frame []byte) (map[string]json.RawMessage, string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(frame, &fields); err != nil || fields == nil {
		return nil, "", ErrMalformed
	}
	msgType, err := stringField(fields, "type")
	if err != nil {
		return nil, "", err
	}
	if msgType == "" {
		msgType = DefaultType
	}
	return fields, msgType, nil
}

// stringField returns "" for an absent or null field.
func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok {
		return "", nil
	}
	var s *string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &FieldError{Field: name, Reason: "must be a string"}
	}
	if s == nil {
		return "", nil
	}
	return *s, nil
}

// recipients accepts "to" as a single id or a list of ids.
func recipients(fields map[string]json.RawMessage) ([]string, error) {
	raw, ok := fields["to"]
	if !ok {
		return nil, nil
	}
	var single *string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == nil || *single == "" {
			return nil, nil
		}
		return []string{*single}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, &FieldError{Field: "to", Reason: "must be a string or a list of strings"}
	}
	out := list[:0]
	for _, id := range list {
		if id != "" {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func application(fields map[string]json.RawMessage, msgType string) (*Application, error) {
	app := &Application{Type: msgType, Body: fields["body"]}
	var err error
	if app.To, err = recipients(fields); err != nil {
		return nil, err
	}
	if app.From, err = stringField(fields, "from"); err != nil {
		return nil, err
	}
	if app.Timestamp, err = stringField(fields, "timestamp"); err != nil {
		return nil, err
	}
	if app.ID, err = stringField(fields, "id"); err != nil {
		return nil, err
	}
	for key, value := range fields {
		if _, skip := reserved[key]; skip {
			continue
		}
		if app.Extra == nil {
			app.Extra = make(map[string]json.RawMessage)
		}
		app.Extra[key] = value
	}
	return app, nil
}
