package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/draftforge/draftforge/retrieval"
	"github.com/draftforge/draftforge/sched"
)

// defaultHeadings is the outline used when the caller names none.
var defaultHeadings = []string{"Introduction", "Method", "Conclusion"}

// sseEvent is one server-sent event payload. Only the fields relevant
// to the event kind are set.
type sseEvent struct {
	Event     string `json:"event"`
	Index     int    `json:"index,omitempty"`
	Heading   string `json:"heading,omitempty"`
	SnippetID int64  `json:"snippet_id,omitempty"`
	Text      string `json:"text,omitempty"`
}

// handleSectionStream streams a whole document section by section over
// SSE. Each section retrieves its own source material, cites the
// snippets it used, and streams generation tokens as they arrive.
//
// This is the direct path: it bypasses the queue and picks an instance
// through health-based selection, so interactive editing stays
// responsive while batch work drains through the lanes.
func (s *Server) handleSectionStream(w http.ResponseWriter, r *http.Request) {
	id, err := callerIdentity(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	q := r.URL.Query()
	title := q.Get("title")
	if strings.TrimSpace(title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	mode := q.Get("mode")
	model := q.Get("model")
	if model == "" {
		model = DefaultGenerationModel
	}
	headings := defaultHeadings
	if raw := q.Get("headings"); raw != "" {
		headings = nil
		for _, h := range strings.Split(raw, ",") {
			if h = strings.TrimSpace(h); h != "" {
				headings = append(headings, h)
			}
		}
		if len(headings) == 0 {
			headings = defaultHeadings
		}
	}
	scope := retrieval.Scope{OwnerID: id.UserID, Project: q.Get("project")}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	emit := func(e sseEvent) {
		data, err := json.Marshal(e)
		if err != nil {
			return
		}
		w.Write([]byte("data: "))
		w.Write(data)
		w.Write([]byte("\n\n"))
		flusher.Flush()
	}

	ctx := r.Context()
	emit(sseEvent{Event: "start"})
	for idx, heading := range headings {
		emit(sseEvent{Event: "section_begin", Index: idx, Heading: heading})

		candidates, err := s.engine.Search(ctx, scope, heading+" "+title, 0, 0, retrieval.DefaultAlpha)
		if err != nil {
			logrus.Warnf("retrieval failed for section %q: %v", heading, err)
			candidates = nil
		}
		for _, c := range candidates {
			emit(sseEvent{Event: "cite", SnippetID: c.ID, Index: idx})
		}

		prompt := sectionPrompt(mode, title, heading, retrieval.Excerpt(candidates))
		instance, endpoint := s.scheduler.Health().SelectInstance(ctx, q.Get("priority"), sched.DefaultEstimatedDuration)

		streamErr := s.gen.StreamGenerate(ctx, endpoint, prompt, model, sectionSystem, func(token string) {
			emit(sseEvent{Event: "token", Text: token})
		})
		if streamErr != nil {
			// The gateway already emitted the sentinel error token; mark
			// the instance so the next section picks a healthy one.
			logrus.Errorf("section %q stream failed on %s: %v", heading, endpoint, streamErr)
			if instance != "" {
				s.scheduler.Health().MarkUnhealthy(instance)
			}
		}

		emit(sseEvent{Event: "section_end", Index: idx})
		if ctx.Err() != nil {
			// Client went away; generating the remaining sections would
			// stream into the void.
			logrus.Infof("section stream for user %d aborted at section %d", id.UserID, idx)
			return
		}
	}
	emit(sseEvent{Event: "done"})
}
