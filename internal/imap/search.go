package imap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	sortthread "github.com/emersion/go-imap-sortthread"
	"go.uber.org/zap"

	"github.com/kelvan/gpg-sign-import/internal/models"
)

// DefaultSubject is the subject phrase of signed-key deliveries.
const DefaultSubject = "Your signed PGP key"

// Order is the processing order applied to search results.
type Order string

const (
	// OrderServer keeps the order returned by the server.
	OrderServer Order = "server"
	// OrderReverse is the strict reverse of the server order.
	OrderReverse Order = "reverse"
	// OrderDate sorts by the Date header on the server (SORT extension).
	OrderDate Order = "date"
)

// ParseOrder validates an order name.
func ParseOrder(s string) (Order, error) {
	switch o := Order(strings.ToLower(strings.TrimSpace(s))); o {
	case OrderServer, OrderReverse, OrderDate:
		return o, nil
	default:
		return "", fmt.Errorf("unknown order %q (want server, reverse or date)", s)
	}
}

// SearchOptions narrows the subject search.
type SearchOptions struct {
	Subject string
	Unseen  bool
	Since   time.Time
	// MinUID restricts results to UIDs >= MinUID when non-zero.
	MinUID models.MessageRef
}

// buildCriteria converts opts to IMAP search criteria.
func buildCriteria(opts SearchOptions) *imap.SearchCriteria {
	criteria := imap.NewSearchCriteria()

	subject := opts.Subject
	if subject == "" {
		subject = DefaultSubject
	}
	criteria.Header.Add("Subject", subject)

	if opts.Unseen {
		criteria.WithoutFlags = []string{imap.SeenFlag}
	}
	if !opts.Since.IsZero() {
		criteria.Since = opts.Since
	}
	if opts.MinUID > 0 {
		criteria.Uid = new(imap.SeqSet)
		criteria.Uid.AddRange(uint32(opts.MinUID), 0)
	}

	return criteria
}

// Search finds the messages whose Subject header contains the configured
// phrase and returns them in the requested order. An empty result is not an error.
func (s *Session) Search(_ context.Context, opts SearchOptions, order Order) ([]models.MessageRef, error) {
	if s == nil || s.client == nil {
		return nil, &StatusError{Op: OpSearch, Status: StatusTransportError, Err: fmt.Errorf("client is nil")}
	}

	criteria := buildCriteria(opts)

	var (
		uids []uint32
		err  error
	)
	if order == OrderDate {
		uids, err = s.sortByDate(criteria)
		if err != nil {
			s.logger.Warn("Server-side sort unavailable, using server order", zap.Error(err))
			uids, err = s.client.UidSearch(criteria)
		}
	} else {
		uids, err = s.client.UidSearch(criteria)
	}
	if err != nil {
		return nil, newStatusError(OpSearch, StatusRejected, fmt.Errorf("failed to search: %w", err))
	}

	refs := make([]models.MessageRef, 0, len(uids))
	for _, uid := range uids {
		// "n:*" always matches the highest UID, even below n.
		if opts.MinUID > 0 && models.MessageRef(uid) < opts.MinUID {
			continue
		}
		refs = append(refs, models.MessageRef(uid))
	}

	if order == OrderReverse {
		ReverseRefs(refs)
	}

	return refs, nil
}

// sortByDate runs UID SORT (DATE) when the server supports it.
func (s *Session) sortByDate(criteria *imap.SearchCriteria) ([]uint32, error) {
	sortClient := sortthread.NewSortClient(s.client)

	ok, err := sortClient.SupportSort()
	if err != nil {
		return nil, fmt.Errorf("failed to check SORT capability: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("server does not support SORT")
	}

	uids, err := sortClient.UidSort([]sortthread.SortCriterion{{Field: sortthread.SortDate}}, criteria)
	if err != nil {
		return nil, fmt.Errorf("SORT command returned error: %w", err)
	}

	return uids, nil
}

// ReverseRefs reverses refs in place.
func ReverseRefs(refs []models.MessageRef) {
	for i, j := 0, len(refs)-1; i < j; i, j = i+1, j-1 {
		refs[i], refs[j] = refs[j], refs[i]
	}
}
