package models

import "strings"

// MessageRef is the server-assigned UID of a message in the selected mailbox.
type MessageRef uint32

// Message is a fetched and parsed email. It only lives for the duration of
// one pipeline step and is never stored.
type Message struct {
	UID         MessageRef `json:"uid"`
	MessageID   string     `json:"message_id"`
	From        string     `json:"from"`
	Subject     string     `json:"subject"`
	ContentType string     `json:"content_type"`
	Parts       []Part     `json:"parts,omitempty"`
}

// Part is one node of the MIME tree. Parts are kept in depth-first order,
// containers included, so Path "2" is the second child of the top level and
// "2.1" its first child.
type Part struct {
	Path        string `json:"path"`
	ContentType string `json:"content_type"`
	FileName    string `json:"file_name,omitempty"`
	Content     []byte `json:"-"`
}

// IsMultipart reports whether the top-level content type is a multipart container.
func (m *Message) IsMultipart() bool {
	return strings.HasPrefix(strings.ToLower(m.ContentType), "multipart/")
}

// Depth returns the nesting level of the part below the top level.
// Direct children of the top level have depth 1.
func (p Part) Depth() int {
	if p.Path == "" {
		return 0
	}
	return strings.Count(p.Path, ".") + 1
}

// IsContainer reports whether the part is a multipart container.
func (p Part) IsContainer() bool {
	return strings.HasPrefix(strings.ToLower(p.ContentType), "multipart/")
}
