package imap

import (
	"bytes"
	"fmt"
	"net/mail"
	"strconv"

	"github.com/jhillyerd/enmime"

	"github.com/kelvan/gpg-sign-import/internal/models"
)

// ParseMessage converts the raw source of a message into our Message model.
// Part contents are transfer-decoded.
func ParseMessage(uid models.MessageRef, raw []byte) (*models.Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("message %d is empty", uid)
	}

	envelope, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message %d: %w", uid, err)
	}

	msg := &models.Message{
		UID:       uid,
		MessageID: envelope.GetHeader("Message-ID"),
		Subject:   envelope.GetHeader("Subject"),
	}

	if from, err := envelope.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = formatAddress(from[0])
	} else {
		msg.From = envelope.GetHeader("From")
	}

	if envelope.Root != nil {
		msg.ContentType = envelope.Root.ContentType
		msg.Parts = collectParts(envelope.Root)
	}

	return msg, nil
}

// collectParts flattens the MIME tree below root in depth-first order.
// A single-part message yields its body as part "1".
func collectParts(root *enmime.Part) []models.Part {
	if root.FirstChild == nil {
		return []models.Part{toPart(root, "1")}
	}

	var parts []models.Part
	var walk func(p *enmime.Part, prefix string)
	walk = func(p *enmime.Part, prefix string) {
		i := 1
		for child := p.FirstChild; child != nil; child = child.NextSibling {
			path := strconv.Itoa(i)
			if prefix != "" {
				path = prefix + "." + path
			}
			parts = append(parts, toPart(child, path))
			walk(child, path)
			i++
		}
	}
	walk(root, "")

	return parts
}

func toPart(p *enmime.Part, path string) models.Part {
	return models.Part{
		Path:        path,
		ContentType: p.ContentType,
		FileName:    p.FileName,
		Content:     p.Content,
	}
}

// formatAddress formats a parsed address as "Name <addr>" or "addr".
func formatAddress(address *mail.Address) string {
	if address == nil || address.Address == "" {
		return ""
	}

	if address.Name != "" {
		return fmt.Sprintf("%s <%s>", address.Name, address.Address)
	}

	return address.Address
}
