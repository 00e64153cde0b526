package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/csrf"
	"github.com/rs/zerolog/log"

	"github.com/shutterdesk/autoresponder/internal/classify"
	"github.com/shutterdesk/autoresponder/internal/inbound"
	"github.com/shutterdesk/autoresponder/internal/store"
)

// intakeResponse is returned for every admitted item
type intakeResponse struct {
	ID        string            `json:"id"`
	Status    inbound.Status    `json:"status"`
	Category  inbound.Category  `json:"category"`
	Sentiment inbound.Sentiment `json:"sentiment"`
	Priority  inbound.Priority  `json:"priority"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleContactCreate(w http.ResponseWriter, r *http.Request) {
	var q inbound.Inquiry
	if err := decodeBody(w, r, &q); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q.Normalize()
	if !s.validated(w, q.Validate()) {
		return
	}

	c := classify.Classify(inbound.ChannelEmail, q.Subject, q.Message).Classification()
	if c.Category == inbound.CategoryBooking && q.PreferredDate != "" {
		c.Priority = inbound.PriorityHigh
	}
	s.admit(w, r, q.ToItem(c, s.now()))
}

func (s *Server) handleCommentCreate(w http.ResponseWriter, r *http.Request) {
	var c inbound.Comment
	if err := decodeBody(w, r, &c); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c.Normalize()
	if !s.validated(w, c.Validate()) {
		return
	}

	cl := classify.Classify(inbound.ChannelSocial, "", c.Text).Classification()
	s.admit(w, r, c.ToItem(cl, s.now()))
}

func (s *Server) validated(w http.ResponseWriter, err error) bool {
	if err == nil {
		return true
	}
	var verr *inbound.ValidationError
	if errors.As(err, &verr) {
		writeValidation(w, verr)
	} else {
		writeError(w, http.StatusBadRequest, err.Error())
	}
	return false
}

// admit stores a new item and hands it to the scheduler
func (s *Server) admit(w http.ResponseWriter, r *http.Request, item *inbound.Item) {
	if err := s.store.Create(r.Context(), item); err != nil {
		log.Error().Err(err).Str("channel", string(item.Channel)).Msg("Failed to store inbound item")
		writeError(w, http.StatusInternalServerError, "Failed to save submission")
		return
	}
	log.Info().
		Str("item_id", item.ID).
		Str("channel", string(item.Channel)).
		Str("category", string(item.Category)).
		Str("sentiment", string(item.Sentiment)).
		Msg("Inbound item received")

	if s.notifier != nil {
		s.notifier.Notify(item)
	}
	writeJSON(w, http.StatusCreated, intakeResponse{
		ID:        item.ID,
		Status:    item.Status,
		Category:  item.Category,
		Sentiment: item.Sentiment,
		Priority:  item.Priority,
	})
}

func (s *Server) handleContactList(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := s.store.List(r.Context(), q)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list items")
		writeError(w, http.StatusInternalServerError, "Failed to list inquiries")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// parseQuery maps listing parameters onto a store query. The channel
// defaults to email; channel=all lists both.
func parseQuery(r *http.Request) (store.Query, error) {
	v := r.URL.Query()
	q := store.Query{
		Channel:   inbound.ChannelEmail,
		Search:    v.Get("search"),
		SortOrder: v.Get("sortOrder"),
	}

	switch ch := v.Get("channel"); ch {
	case "":
	case "all":
		q.Channel = ""
	default:
		q.Channel = inbound.Channel(ch)
		if !q.Channel.Valid() {
			return q, errors.New("invalid channel")
		}
	}
	if st := v.Get("status"); st != "" {
		q.Status = inbound.Status(st)
		if !q.Status.Valid() {
			return q, errors.New("invalid status")
		}
	}
	if p := v.Get("priority"); p != "" {
		q.Priority = inbound.Priority(p)
		if !q.Priority.Valid() {
			return q, errors.New("invalid priority")
		}
	}
	switch sb := store.SortField(v.Get("sortBy")); sb {
	case "", store.SortReceivedAt, store.SortName, store.SortPriority, store.SortStatus:
		q.SortBy = sb
	default:
		return q, errors.New("invalid sortBy")
	}
	if so := q.SortOrder; so != "" && so != "asc" && so != "desc" {
		return q, errors.New("invalid sortOrder")
	}

	var err error
	if q.Page, err = intParam(v.Get("page")); err != nil {
		return q, errors.New("invalid page")
	}
	if q.Limit, err = intParam(v.Get("limit")); err != nil {
		return q, errors.New("invalid limit")
	}
	return q.Normalize(), nil
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("not a non-negative integer")
	}
	return n, nil
}

func (s *Server) handleContactGet(w http.ResponseWriter, r *http.Request) {
	item, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Inquiry not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to load item")
		writeError(w, http.StatusInternalServerError, "Failed to load inquiry")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	ch := inbound.Channel(r.URL.Query().Get("channel"))
	if ch == "" {
		writeJSON(w, http.StatusOK, s.catalog.Templates)
		return
	}
	if !ch.Valid() {
		writeError(w, http.StatusBadRequest, "invalid channel")
		return
	}
	writeJSON(w, http.StatusOK, s.catalog.ForChannel(ch))
}

type channelToday struct {
	Sent  int `json:"sent"`
	Limit int `json:"limit"`
}

type statsResponse struct {
	store.Stats
	Today map[inbound.Channel]channelToday `json:"today"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to compute stats")
		writeError(w, http.StatusInternalServerError, "Failed to compute stats")
		return
	}

	now := s.now()
	today := make(map[inbound.Channel]channelToday)
	for _, ch := range []inbound.Channel{inbound.ChannelEmail, inbound.ChannelSocial} {
		p, ok := s.dispatcher.Policy(ch)
		if !ok {
			continue
		}
		c := s.dispatcher.Ledger().Counters(ch, p, now)
		today[ch] = channelToday{Sent: c.Sent, Limit: p.MaxPerDay}
	}
	writeJSON(w, http.StatusOK, statsResponse{Stats: st, Today: today})
}

func (s *Server) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"token": csrf.Token(r)})
}

func (s *Server) handleDispatchStart(w http.ResponseWriter, r *http.Request) {
	s.jobs.Cleanup(jobRetention)

	job, started := s.jobs.Start()
	if !started {
		w.Header().Set("Location", "/api/admin/jobs/"+job.ID)
		writeError(w, http.StatusConflict, "A dispatch pass is already running")
		return
	}

	go func(ctx context.Context) {
		summary, err := s.dispatcher.RunPass(ctx)
		job.Finish(summary, err)
		log.Info().
			Str("job_id", job.ID).
			Interface("counts", summary.Counts).
			Dur("took", summary.Duration).
			Msg("Admin dispatch pass finished")
	}(job.Context())

	w.Header().Set("Location", "/api/admin/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, job.View())
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job := s.jobs.Get(chi.URLParam(r, "jobID"))
	if job == nil {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	writeJSON(w, http.StatusOK, job.View())
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	job := s.jobs.Get(chi.URLParam(r, "jobID"))
	if job == nil {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	job.Cancel()
	writeJSON(w, http.StatusOK, job.View())
}

func (s *Server) handleIgnore(w http.ResponseWriter, r *http.Request) {
	item, err := s.dispatcher.Ignore(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, item)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Item not found")
	case errors.Is(err, inbound.ErrInvalidTransition), errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Msg("Failed to ignore item")
		writeError(w, http.StatusInternalServerError, "Failed to ignore item")
	}
}
