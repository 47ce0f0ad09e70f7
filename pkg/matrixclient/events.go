package matrixclient

import (
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// VerificationKind enumerates the closed set of inbound verification
// messages. To-device events are decoded into this sum type once, at the
// protocol-client boundary; consumers switch exhaustively over it.
type VerificationKind int

const (
	VerificationUnknown VerificationKind = iota
	VerificationRequest
	VerificationReady
	VerificationStart
	VerificationAccept
	VerificationKey
	VerificationMAC
	VerificationDone
	VerificationCancel
)

func (k VerificationKind) String() string {
	switch k {
	case VerificationRequest:
		return "request"
	case VerificationReady:
		return "ready"
	case VerificationStart:
		return "start"
	case VerificationAccept:
		return "accept"
	case VerificationKey:
		return "key"
	case VerificationMAC:
		return "mac"
	case VerificationDone:
		return "done"
	case VerificationCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// VerificationEvent is a decoded m.key.verification.* to-device message.
type VerificationEvent struct {
	Kind          VerificationKind
	TransactionID string
	Sender        id.UserID
	FromDevice    id.DeviceID
	Methods       []string
	Commitment    string
	Key           string
	MAC           map[string]string
	MACKeys       string
	Reason        string
	Code          string

	// Raw is the original wire content, kept because the commitment hash
	// covers the exact start payload as received.
	Raw []byte
}

var verificationKinds = map[string]VerificationKind{
	"m.key.verification.request": VerificationRequest,
	"m.key.verification.ready":   VerificationReady,
	"m.key.verification.start":   VerificationStart,
	"m.key.verification.accept":  VerificationAccept,
	"m.key.verification.key":     VerificationKey,
	"m.key.verification.mac":     VerificationMAC,
	"m.key.verification.done":    VerificationDone,
	"m.key.verification.cancel":  VerificationCancel,
}

// decodeVerificationEvent maps a raw to-device event onto the sum type.
// Returns false for unknown verification types or events without a
// transaction id; the caller drops those.
func decodeVerificationEvent(ev *event.Event) (VerificationEvent, bool) {
	kind, ok := verificationKinds[ev.Type.Type]
	if !ok {
		return VerificationEvent{}, false
	}

	raw := ev.Content.Raw

	ve := VerificationEvent{
		Kind:       kind,
		Sender:     ev.Sender,
		Commitment: rawString(raw, "commitment"),
		Key:        rawString(raw, "key"),
		MACKeys:    rawString(raw, "keys"),
		Reason:     rawString(raw, "reason"),
		Code:       rawString(raw, "code"),
		Raw:        []byte(ev.Content.VeryRaw),
	}

	ve.TransactionID = rawString(raw, "transaction_id")
	if ve.TransactionID == "" {
		return VerificationEvent{}, false
	}

	ve.FromDevice = id.DeviceID(rawString(raw, "from_device"))

	if methods, ok := raw["methods"].([]interface{}); ok {
		for _, m := range methods {
			if s, ok := m.(string); ok {
				ve.Methods = append(ve.Methods, s)
			}
		}
	}

	if mac, ok := raw["mac"].(map[string]interface{}); ok {
		ve.MAC = make(map[string]string, len(mac))

		for k, v := range mac {
			if s, ok := v.(string); ok {
				ve.MAC[k] = s
			}
		}
	}

	return ve, true
}

func rawString(raw map[string]interface{}, key string) string {
	if raw == nil {
		return ""
	}

	s, _ := raw[key].(string)

	return s
}
