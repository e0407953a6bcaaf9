// Package webhook turns inbound change notifications into sync actions.
package webhook

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/fvsync/fvsync/internal/filevine"
	"github.com/fvsync/fvsync/internal/logging"
)

// HeaderEvent carries the event type when the body does not.
const HeaderEvent = "X-Filevine-Event"

// BackgroundMarker flags an internally queued full sync.
const BackgroundMarker = "__background_sync"

// ErrMissingField marks an event that lacks an id its type requires.
var ErrMissingField = errors.New("missing required field")

// Event is an inbound notification normalized once at ingress. Zero ids
// mean the payload did not carry them.
type Event struct {
	Background bool
	ProjectID  int64
	DocumentID int64
	// Hint is the lowercased event type, possibly empty.
	Hint string
}

type envelope struct {
	Body            json.RawMessage   `json:"body"`
	IsBase64Encoded bool              `json:"isBase64Encoded"`
	Headers         map[string]string `json:"headers"`
}

type payload map[string]json.RawMessage

// ParseEvent accepts a bare JSON body or an API-gateway proxy envelope
// whose body is a (possibly base64) JSON string. Headers found in the
// envelope are merged into hdr. A body that cannot be decoded yields an
// empty Event rather than an error.
func ParseEvent(raw []byte, hdr http.Header) Event {
	if hdr == nil {
		hdr = make(http.Header)
	}
	body := unwrap(raw, hdr)

	evt := Event{
		Background: truthy(body[BackgroundMarker]),
		ProjectID:  firstID(body, "projectId", "ProjectId", "payload.projectId", "recordId"),
		DocumentID: firstID(body, "documentId", "DocumentId", "payload.documentId"),
	}
	for _, k := range []string{"eventType", "event", "type", "name", "action"} {
		if s := stringField(body[k]); s != "" {
			evt.Hint = strings.ToLower(s)
			return evt
		}
	}
	evt.Hint = strings.ToLower(strings.TrimSpace(hdr.Get(HeaderEvent)))
	return evt
}

func unwrap(raw []byte, hdr http.Header) payload {
	var top payload
	if err := json.Unmarshal(raw, &top); err != nil {
		logging.Warn("webhook body is not a JSON object", logging.Err(err))
		return payload{}
	}
	inner, ok := top["body"]
	if !ok {
		return top
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return payload{}
	}
	for k, v := range env.Headers {
		if hdr.Get(k) == "" {
			hdr.Set(k, v)
		}
	}

	inner = bytes.TrimSpace(inner)
	var text string
	if json.Unmarshal(inner, &text) == nil {
		if env.IsBase64Encoded {
			decoded, err := base64.StdEncoding.DecodeString(text)
			if err != nil {
				logging.Warn("cannot base64-decode webhook body", logging.Err(err))
				return payload{}
			}
			text = string(decoded)
		}
		inner = []byte(text)
	}

	var body payload
	if err := json.Unmarshal(inner, &body); err != nil {
		logging.Warn("webhook envelope body is not a JSON object", logging.Err(err))
		return payload{}
	}
	return body
}

// firstID returns the first non-zero id among keys. A dotted key reads one
// level into a nested object.
func firstID(body payload, keys ...string) int64 {
	for _, k := range keys {
		raw := lookup(body, k)
		if raw == nil {
			continue
		}
		if id := filevine.ParseID(raw); id != 0 {
			return id
		}
	}
	return 0
}

func lookup(body payload, key string) json.RawMessage {
	outer, inner, nested := strings.Cut(key, ".")
	raw, ok := body[outer]
	if !ok {
		return nil
	}
	if !nested {
		return raw
	}
	var sub payload
	if json.Unmarshal(raw, &sub) != nil {
		return nil
	}
	return sub[inner]
}

func stringField(raw json.RawMessage) string {
	var s string
	if raw == nil || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func truthy(raw json.RawMessage) bool {
	var b bool
	if json.Unmarshal(raw, &b) == nil {
		return b
	}
	var n float64
	if json.Unmarshal(raw, &n) == nil {
		return n != 0
	}
	return stringField(raw) != ""
}
