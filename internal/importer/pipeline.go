// Package importer drives the search, fetch, decrypt and import steps over
// one selected mailbox.
package importer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/kelvan/gpg-sign-import/internal/gpg"
	"github.com/kelvan/gpg-sign-import/internal/imap"
	"github.com/kelvan/gpg-sign-import/internal/models"
)

// Mailbox is the selected mailbox the pipeline reads from.
// *imap.Session implements it.
type Mailbox interface {
	Search(ctx context.Context, opts imap.SearchOptions, order imap.Order) ([]models.MessageRef, error)
	FetchRaw(ctx context.Context, uid models.MessageRef) ([]byte, error)
	MarkSeen(ctx context.Context, uid models.MessageRef) error
}

// Waiter blocks until the mailbox changes. *imap.Session implements it.
type Waiter interface {
	WaitForNewMail(ctx context.Context, pollInterval time.Duration) error
}

// Stats are the counters of one or more passes.
type Stats struct {
	Matched         int
	FetchFailures   int
	Skipped         int
	Decrypted       int
	DecryptFailures int
	Imported        int
	ImportFailures  int
	KeysFound       int
	// LastUID is the highest UID seen, processed or not.
	LastUID models.MessageRef
}

func (s *Stats) add(o Stats) {
	s.Matched += o.Matched
	s.FetchFailures += o.FetchFailures
	s.Skipped += o.Skipped
	s.Decrypted += o.Decrypted
	s.DecryptFailures += o.DecryptFailures
	s.Imported += o.Imported
	s.ImportFailures += o.ImportFailures
	s.KeysFound += o.KeysFound
	if o.LastUID > s.LastUID {
		s.LastUID = o.LastUID
	}
}

// Fields returns the counters as log fields.
func (s Stats) Fields() []zap.Field {
	return []zap.Field{
		zap.Int("matched", s.Matched),
		zap.Int("fetch_failures", s.FetchFailures),
		zap.Int("skipped", s.Skipped),
		zap.Int("decrypted", s.Decrypted),
		zap.Int("decrypt_failures", s.DecryptFailures),
		zap.Int("imported", s.Imported),
		zap.Int("import_failures", s.ImportFailures),
		zap.Int("keys_found", s.KeysFound),
	}
}

// Pipeline processes matching messages one at a time. Failures of a single
// message or part are logged and counted, never returned.
type Pipeline struct {
	Mailbox Mailbox
	Engine  gpg.Engine
	Policy  Policy
	Logger  *zap.Logger
	// DryRun decrypts and lists keys without importing them.
	DryRun bool
	// MarkSeen flags a message \Seen once one of its parts was imported.
	MarkSeen bool
}

// Run searches once and processes every match in policy order. It returns
// an error only when the search fails or ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context, opts imap.SearchOptions) (Stats, error) {
	var stats Stats
	log := p.logger()

	refs, err := p.Mailbox.Search(ctx, opts, p.Policy.Order)
	if err != nil {
		return stats, fmt.Errorf("failed to search for signed keys: %w", err)
	}

	stats.Matched = len(refs)
	log.Info("Found matching messages",
		zap.Int("count", len(refs)),
		zap.String("order", string(p.Policy.Order)),
	)

	for _, uid := range refs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if uid > stats.LastUID {
			stats.LastUID = uid
		}
		p.processMessage(ctx, uid, &stats)
	}

	return stats, nil
}

// Watch runs a first pass, then waits for mailbox changes and processes the
// messages that arrived since. It returns nil when ctx is cancelled.
func (p *Pipeline) Watch(ctx context.Context, waiter Waiter, opts imap.SearchOptions, pollInterval time.Duration) (Stats, error) {
	var total Stats
	log := p.logger()

	for {
		stats, err := p.Run(ctx, opts)
		total.add(stats)
		if err != nil {
			if ctx.Err() != nil {
				return total, nil
			}
			return total, err
		}

		if total.LastUID > 0 {
			opts.MinUID = total.LastUID + 1
		}

		log.Info("Waiting for new messages", zap.Uint32("after_uid", uint32(total.LastUID)))
		if err := waiter.WaitForNewMail(ctx, pollInterval); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return total, nil
			}
			return total, fmt.Errorf("failed to wait for new messages: %w", err)
		}
	}
}

func (p *Pipeline) processMessage(ctx context.Context, uid models.MessageRef, stats *Stats) {
	log := p.logger().With(zap.Uint32("uid", uint32(uid)))

	raw, err := p.Mailbox.FetchRaw(ctx, uid)
	if err != nil {
		log.Warn("Failed to fetch message, skipping",
			zap.String("status", imap.StatusOf(err).String()),
			zap.Error(err),
		)
		stats.FetchFailures++
		return
	}

	msg, err := imap.ParseMessage(uid, raw)
	if err != nil {
		log.Warn("Failed to parse message, skipping", zap.Error(err))
		stats.Skipped++
		return
	}

	log.Debug("Content type", zap.String("content_type", msg.ContentType))
	if p.Policy.RequireMultipart && !msg.IsMultipart() {
		log.Warn(fmt.Sprintf("%d: missing attachment", uid))
		stats.Skipped++
		return
	}

	log.Info(fmt.Sprintf("%s [%d]", msg.From, uid))

	parts := p.Policy.Selector.Select(msg)
	if len(parts) == 0 {
		log.Warn("No candidate attachment", zap.String("selector", p.Policy.Selector.String()))
		stats.Skipped++
		return
	}

	imported := false
	for _, part := range parts {
		if err := ctx.Err(); err != nil {
			return
		}
		if p.processPart(ctx, msg, part, stats) {
			imported = true
		}
	}

	if imported && p.MarkSeen && !p.DryRun {
		if err := p.Mailbox.MarkSeen(ctx, uid); err != nil {
			log.Warn("Failed to mark message as seen", zap.Error(err))
		}
	}
}

// processPart decrypts and imports one part. It reports whether the keyring
// accepted the key material.
func (p *Pipeline) processPart(ctx context.Context, msg *models.Message, part models.Part, stats *Stats) bool {
	log := p.logger().With(
		zap.Uint32("uid", uint32(msg.UID)),
		zap.String("part", part.Path),
	)

	log.Debug(fmt.Sprintf("%s [%d]: start decrypt", msg.From, msg.UID),
		zap.String("content_type", part.ContentType),
		zap.String("size", humanize.Bytes(uint64(len(part.Content)))),
	)
	plaintext, err := p.Engine.Decrypt(ctx, part.Content)
	if err != nil {
		log.Warn("Decryption failed", zap.Error(err))
		stats.DecryptFailures++
		return false
	}
	stats.Decrypted++
	log.Debug(fmt.Sprintf("%d: decrypt finished", msg.UID),
		zap.String("plaintext", humanize.Bytes(uint64(plaintext.Size()))),
	)

	if p.DryRun {
		keys, err := p.Engine.Inspect(ctx, plaintext)
		if err != nil {
			log.Warn("No key material in plaintext", zap.Error(err))
			return false
		}
		for _, key := range keys {
			stats.KeysFound++
			log.Info("Would import key",
				zap.String("fingerprint", key.Fingerprint),
				zap.Strings("uids", key.UserIDs),
			)
		}
		return false
	}

	log.Debug(fmt.Sprintf("%s [%d]: start import", msg.From, msg.UID))
	result, err := p.Engine.Import(ctx, plaintext)
	if err != nil {
		log.Warn("Import failed", zap.Error(err))
		stats.ImportFailures++
		return false
	}
	stats.Imported++
	log.Debug(fmt.Sprintf("%d: import finished", msg.UID))

	log.Info("Imported key material",
		zap.Int("considered", result.Considered),
		zap.Int("new_keys", result.Imported),
		zap.Int("unchanged", result.Unchanged),
		zap.Int("new_signatures", result.NewSignatures),
		zap.Strings("fingerprints", result.Fingerprints),
	)

	return true
}

func (p *Pipeline) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}
