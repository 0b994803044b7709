package whatsapp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoMessage is returned for webhook deliveries that carry no inbound
// user message (status updates, reactions, etc.).
var ErrNoMessage = errors.New("webhook payload contains no message")

// MessageTypeText and MessageTypeInteractive are the two normalized
// inbound kinds the conversation controller handles.
const (
	MessageTypeText        = "text"
	MessageTypeInteractive = "interactive"
)

// InboundMessage is the normalized form of one inbound user message.
//
// For an interactive reply (button or list row), Body and ID both carry
// the reply's element id. For plain text, Body is the text and ID is
// empty — consumers resolve "id, falling back to body".
type InboundMessage struct {
	MessageID string
	Phone     string // sender phone as delivered; callers normalize
	Name      string // sender profile name, may be empty
	Type      string // MessageTypeText | MessageTypeInteractive
	Body      string
	ID        string
}

// webhookPayload mirrors the platform's webhook envelope, reduced to
// the fields the ingress uses.
type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Contacts []struct {
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []struct {
					ID   string `json:"id"`
					From string `json:"from"`
					Type string `json:"type"`
					Text struct {
						Body string `json:"body"`
					} `json:"text"`
					Interactive struct {
						Type        string `json:"type"`
						ButtonReply struct {
							ID    string `json:"id"`
							Title string `json:"title"`
						} `json:"button_reply"`
						ListReply struct {
							ID    string `json:"id"`
							Title string `json:"title"`
						} `json:"list_reply"`
					} `json:"interactive"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// ParseInbound extracts the one inbound message from a webhook body.
func ParseInbound(body []byte) (*InboundMessage, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("whatsapp: parse webhook: %w", err)
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			if len(v.Messages) == 0 {
				continue
			}
			msg := v.Messages[0]

			in := &InboundMessage{
				MessageID: msg.ID,
				Phone:     msg.From,
			}
			if len(v.Contacts) > 0 {
				in.Name = v.Contacts[0].Profile.Name
			}

			switch msg.Type {
			case "text":
				in.Type = MessageTypeText
				in.Body = msg.Text.Body
			case "interactive":
				in.Type = MessageTypeInteractive
				switch msg.Interactive.Type {
				case "button_reply":
					in.ID = msg.Interactive.ButtonReply.ID
				case "list_reply":
					in.ID = msg.Interactive.ListReply.ID
				default:
					return nil, fmt.Errorf("whatsapp: unsupported interactive type %q", msg.Interactive.Type)
				}
				in.Body = in.ID
			default:
				// Media, location, stickers: treated as text with an
				// empty body so the controller re-prompts.
				in.Type = MessageTypeText
				in.Body = ""
			}
			return in, nil
		}
	}
	return nil, ErrNoMessage
}
