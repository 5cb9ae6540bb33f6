package importer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kelvan/gpg-sign-import/internal/imap"
	"github.com/kelvan/gpg-sign-import/internal/models"
)

// OctetStream is the content type of an opaque encrypted attachment.
const OctetStream = "application/octet-stream"

// PartSelector picks the parts of a message to decrypt.
type PartSelector interface {
	Select(msg *models.Message) []models.Part
	String() string
}

// Position selects the n-th direct sub-part of the top level, counting from 1.
type Position int

func (p Position) Select(msg *models.Message) []models.Part {
	n := 0
	for _, part := range msg.Parts {
		if part.Depth() != 1 {
			continue
		}
		n++
		if n == int(p) {
			return []models.Part{part}
		}
	}
	return nil
}

func (p Position) String() string {
	return fmt.Sprintf("position:%d", int(p))
}

// ContentType selects every non-container part of the given content type.
type ContentType string

func (c ContentType) Select(msg *models.Message) []models.Part {
	var selected []models.Part
	for _, part := range msg.Parts {
		if !part.IsContainer() && strings.EqualFold(part.ContentType, string(c)) {
			selected = append(selected, part)
		}
	}
	return selected
}

func (c ContentType) String() string {
	return "content-type:" + string(c)
}

// FirstContentType selects the first part of the given content type.
type FirstContentType string

func (f FirstContentType) Select(msg *models.Message) []models.Part {
	all := ContentType(f).Select(msg)
	if len(all) == 0 {
		return nil
	}
	return all[:1]
}

func (f FirstContentType) String() string {
	return "first:" + string(f)
}

// ParseSelector parses position:N, content-type:TYPE or first:TYPE.
func ParseSelector(s string) (PartSelector, error) {
	kind, arg, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || arg == "" {
		return nil, fmt.Errorf("invalid selector %q (want position:N, content-type:TYPE or first:TYPE)", s)
	}

	switch strings.ToLower(kind) {
	case "position":
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid position %q: must be a positive number", arg)
		}
		return Position(n), nil
	case "content-type":
		return ContentType(strings.ToLower(arg)), nil
	case "first":
		return FirstContentType(strings.ToLower(arg)), nil
	default:
		return nil, fmt.Errorf("unknown selector kind %q", kind)
	}
}

// Policy decides which messages are eligible, in which order they are
// processed and which of their parts are decrypted.
type Policy struct {
	Name             string
	Selector         PartSelector
	Order            imap.Order
	RequireMultipart bool
}

// Strict expects the encrypted key as the second top-level part of a
// multipart message and keeps the server order.
func Strict() Policy {
	return Policy{
		Name:             "strict",
		Selector:         Position(2),
		Order:            imap.OrderServer,
		RequireMultipart: true,
	}
}

// Permissive tries every opaque binary part, newest search results first.
func Permissive() Policy {
	return Policy{
		Name:     "permissive",
		Selector: ContentType(OctetStream),
		Order:    imap.OrderReverse,
	}
}

// Overrides replace parts of a preset. Empty values keep the preset.
type Overrides struct {
	Select           string
	Order            string
	RequireMultipart *bool
}

// NewPolicy resolves a preset by name and applies overrides.
func NewPolicy(name string, o Overrides) (Policy, error) {
	var policy Policy
	switch strings.ToLower(name) {
	case "strict":
		policy = Strict()
	case "permissive", "":
		policy = Permissive()
	default:
		return Policy{}, fmt.Errorf("unknown policy %q (want strict or permissive)", name)
	}

	if o.Select != "" {
		selector, err := ParseSelector(o.Select)
		if err != nil {
			return Policy{}, err
		}
		policy.Selector = selector
	}

	if o.Order != "" {
		order, err := imap.ParseOrder(o.Order)
		if err != nil {
			return Policy{}, err
		}
		policy.Order = order
	}

	if o.RequireMultipart != nil {
		policy.RequireMultipart = *o.RequireMultipart
	}

	return policy, nil
}
