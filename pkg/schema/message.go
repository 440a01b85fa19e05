package schema

import "time"

// MessageType identifies the content variant of a chat message.
type MessageType string

const (
	MessageText        MessageType = "TEXT"
	MessageImage       MessageType = "IMAGE"
	MessageVideo       MessageType = "VIDEO"
	MessageAudio       MessageType = "AUDIO"
	MessageVoice       MessageType = "VOICE"
	MessageDocument    MessageType = "DOCUMENT"
	MessageLocation    MessageType = "LOCATION"
	MessageContact     MessageType = "CONTACT"
	MessagePoll        MessageType = "POLL"
	MessageUnsupported MessageType = "UNSUPPORTED"
)

// Agent identifies who authored a message.
type Agent string

const (
	AgentLead       Agent = "LEAD"
	AgentAutomation Agent = "AUTOMATION"
	AgentHuman      Agent = "HUMAN"
)

// Message is a chat message, inbound or outbound.
// Outbound messages leave ID and Date empty; the transport fills them on send.
type Message struct {
	ID        string      `json:"id,omitempty"`
	Type      MessageType `json:"type"`
	Text      string      `json:"text,omitempty"`
	URL       string      `json:"url,omitempty"`
	Caption   string      `json:"caption,omitempty"`
	FileName  string      `json:"file_name,omitempty"`
	Latitude  float64     `json:"latitude,omitempty"`
	Longitude float64     `json:"longitude,omitempty"`
	Name      string      `json:"name,omitempty"`
	Phone     string      `json:"phone,omitempty"`
	Options   []string    `json:"options,omitempty"`
	QuoteID   string      `json:"quote_id,omitempty"`
	Date      time.Time   `json:"date,omitempty"`

	// Timeout overrides the question timeout when this message is sent as a retry.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Supported reports whether scripts can consume the message.
func (m Message) Supported() bool {
	return m.Type != "" && m.Type != MessageUnsupported
}

// Text builds a plain text message.
func Text(content string) Message {
	return Message{Type: MessageText, Text: content}
}

// Image builds an image message.
func Image(url, caption string) Message {
	return Message{Type: MessageImage, URL: url, Caption: caption}
}

// Video builds a video message.
func Video(url, caption string) Message {
	return Message{Type: MessageVideo, URL: url, Caption: caption}
}

// Audio builds an audio file message.
func Audio(url string) Message {
	return Message{Type: MessageAudio, URL: url}
}

// Voice builds a voice note message.
func Voice(url string) Message {
	return Message{Type: MessageVoice, URL: url}
}

// Document builds a document message.
func Document(url, fileName, caption string) Message {
	return Message{Type: MessageDocument, URL: url, FileName: fileName, Caption: caption}
}

// Location builds a location pin message.
func Location(lat, lng float64, name string) Message {
	return Message{Type: MessageLocation, Latitude: lat, Longitude: lng, Name: name}
}

// Contact builds a contact card message.
func Contact(name, phone string) Message {
	return Message{Type: MessageContact, Name: name, Phone: phone}
}

// Poll builds a poll with the given options.
func Poll(question string, options ...string) Message {
	return Message{Type: MessagePoll, Text: question, Options: options}
}

// Retry marks msg as a retry message that waits timeout for a reply.
// A zero timeout falls back to the question timeout.
func Retry(msg Message, timeout time.Duration) Message {
	msg.Timeout = timeout
	return msg
}
