package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shutterdesk/autoresponder/internal/config"
	"github.com/shutterdesk/autoresponder/internal/inbound"
	"github.com/shutterdesk/autoresponder/internal/store"
)

// Ingester turns mailbox messages into stored email-channel items
type Ingester struct {
	store  store.Store
	own    string
	notify func(*inbound.Item)
}

// IngestResult summarizes one batch of emails
type IngestResult struct {
	Created    []*inbound.Item
	Duplicates int
	Skipped    map[SkipReason]int
	// Handled holds UIDs of mail that is now tracked as an item
	Handled []uint32
}

// NewIngester creates an ingester. ownAddress is the studio's own mailbox
// address; notify, when set, is called for every item created.
func NewIngester(st store.Store, ownAddress string, notify func(*inbound.Item)) *Ingester {
	return &Ingester{store: st, own: ownAddress, notify: notify}
}

// Ingest stores every admissible email that is not already tracked
func (g *Ingester) Ingest(ctx context.Context, emails []Email) (IngestResult, error) {
	res := IngestResult{Skipped: make(map[SkipReason]int)}
	for _, email := range emails {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if reason := ShouldSkip(email, g.own); reason != SkipNone {
			res.Skipped[reason]++
			log.Debug().Str("from", email.From).Str("reason", string(reason)).Msg("Skipping email")
			continue
		}

		if email.MessageID != "" {
			_, err := g.store.FindBySource(ctx, email.MessageID)
			if err == nil {
				res.Duplicates++
				res.Handled = append(res.Handled, email.UID)
				continue
			}
			if !errors.Is(err, store.ErrNotFound) {
				return res, fmt.Errorf("failed to look up message %s: %w", email.MessageID, err)
			}
		}

		item := ToItem(email)
		if item.ReceivedAt.IsZero() {
			item.ReceivedAt = time.Now()
		}
		if err := item.Validate(); err != nil {
			res.Skipped[SkipEmpty]++
			log.Warn().Err(err).Str("from", email.From).Msg("Email does not make a valid item")
			continue
		}
		if err := g.store.Create(ctx, item); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				res.Duplicates++
				continue
			}
			return res, fmt.Errorf("failed to store email item: %w", err)
		}

		log.Info().
			Str("id", item.ID).
			Str("from", item.Sender.Handle).
			Str("category", string(item.Category)).
			Msg("Ingested email inquiry")
		res.Created = append(res.Created, item)
		res.Handled = append(res.Handled, email.UID)
		if g.notify != nil {
			g.notify(item)
		}
	}
	return res, nil
}

// Poller periodically reads the mailbox and ingests new mail
type Poller struct {
	config   config.InboxConfig
	monitor  *Monitor
	ingester *Ingester
}

func NewPoller(cfg config.InboxConfig, ing *Ingester) *Poller {
	return &Poller{config: cfg, monitor: NewMonitor(cfg), ingester: ing}
}

// Poll runs one connect, fetch, ingest and optional archive cycle
func (p *Poller) Poll(ctx context.Context) (IngestResult, error) {
	if err := p.monitor.Connect(ctx); err != nil {
		return IngestResult{}, err
	}
	defer p.monitor.Disconnect()

	emails, err := p.monitor.FetchRecentEmails(ctx, p.config.SinceDays)
	if err != nil {
		return IngestResult{}, err
	}
	res, err := p.ingester.Ingest(ctx, emails)
	if err != nil {
		return res, err
	}

	if p.config.AutoArchive && len(res.Handled) > 0 {
		if err := p.monitor.EnsureFolderExists(p.config.ArchiveFolder); err != nil {
			log.Warn().Err(err).Msg("Cannot archive ingested mail")
		} else if err := p.monitor.ArchiveEmails(res.Handled, p.config.ArchiveFolder); err != nil {
			log.Warn().Err(err).Msg("Failed to archive ingested mail")
		}
	}
	return res, nil
}

// Run polls until ctx is cancelled. Poll errors are logged, not fatal.
func (p *Poller) Run(ctx context.Context) error {
	interval := p.config.PollInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res, err := p.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Inbox poll failed")
		} else if err == nil {
			log.Info().
				Int("created", len(res.Created)).
				Int("duplicates", res.Duplicates).
				Int("skipped", skippedTotal(res.Skipped)).
				Msg("Inbox polled")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func skippedTotal(m map[SkipReason]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}
