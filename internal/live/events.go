package live

import (
	"encoding/json"
	"fmt"

	"livedoc/api/internal/presence"
)

// Close codes surfaced to clients, matching the platform's public protocol.
const (
	CloseNotAuthenticated = 4001
	CloseJoinForbidden    = 4002
)

// Inbound message types. The discriminator is decoded once and matched
// exhaustively; unknown types produce a local error event only.
const (
	inboundUpdateContent = "update_content"
	inboundSetLive       = "set_live"
	inboundComment       = "comment"
)

type inboundMessage struct {
	Type    string          `json:"type"`
	Content string          `json:"content"`
	Status  *bool           `json:"status"`
	Comment json.RawMessage `json:"comment"`
}

// commentEnvelope extracts the action discriminator; everything else in the
// comment payload is relayed untouched.
type commentEnvelope struct {
	Action string `json:"action"`
}

func parseInbound(data []byte) (inboundMessage, error) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return inboundMessage{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.Type == "" {
		return inboundMessage{}, fmt.Errorf("message without type")
	}
	return msg, nil
}

// outbound event constructors. Marshal cannot fail for these fixed
// shapes, so the error is discarded.

func eventConnection() []byte {
	data, _ := json.Marshal(map[string]any{
		"type":    "connection",
		"message": "Connected to live document channel.",
	})
	return data
}

func eventConnected() []byte {
	data, _ := json.Marshal(map[string]any{
		"type":    "CONNECTED",
		"message": "Connected to user notification channel.",
	})
	return data
}

func eventError(message string) []byte {
	data, _ := json.Marshal(map[string]any{
		"type":    "error",
		"message": message,
	})
	return data
}

func eventDocumentUpdate(content string) []byte {
	data, _ := json.Marshal(map[string]any{
		"type":    "document_update",
		"content": content,
	})
	return data
}

func eventDocumentLive(isLive bool) []byte {
	message := "Document is now live."
	if !isLive {
		message = "Document is no longer live."
	}
	data, _ := json.Marshal(map[string]any{
		"type":    "document_live",
		"is_live": isLive,
		"message": message,
	})
	return data
}

func eventUserJoined(profile presence.Profile) []byte {
	data, _ := json.Marshal(map[string]any{
		"type": "user_joined",
		"user": profile,
	})
	return data
}

func eventUserLeft(userID int64) []byte {
	data, _ := json.Marshal(map[string]any{
		"type":    "user_left",
		"user_id": userID,
	})
	return data
}

func eventLiveMembers(count int) []byte {
	data, _ := json.Marshal(map[string]any{
		"type":  "live_members",
		"count": count,
	})
	return data
}

func eventLiveUsersList(users []presence.Profile) []byte {
	if users == nil {
		users = []presence.Profile{}
	}
	data, _ := json.Marshal(map[string]any{
		"type":  "live_users_list",
		"users": users,
	})
	return data
}

// eventComment wraps a relayed comment payload. The session server never
// persists comments on this path; the REST layer already has.
func eventComment(action string, comment json.RawMessage) []byte {
	eventType := "new_comment"
	if action == "update" {
		eventType = "update_comment"
	}
	data, _ := json.Marshal(map[string]any{
		"type":    eventType,
		"comment": comment,
	})
	return data
}

func eventForceDisconnect() []byte {
	data, _ := json.Marshal(map[string]any{
		"type":    "force_disconnect",
		"message": "The document is no longer live.",
	})
	return data
}

// peekType reads the type discriminator of a fabric text event so sessions
// can filter force_disconnect locally.
func peekType(data []byte) string {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.Type
}
