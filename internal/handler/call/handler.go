package call

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mareiko/lifeline/backend/internal/collaborator"
	callmodel "github.com/mareiko/lifeline/backend/internal/model/call"
	"github.com/mareiko/lifeline/backend/internal/service/callout"
	"github.com/mareiko/lifeline/backend/internal/service/engine"
	"github.com/mareiko/lifeline/backend/internal/service/transcript"
	"github.com/mareiko/lifeline/backend/pkg/utils"
)

// Handler exposes the call lifecycle over HTTP.
type Handler struct {
	engine     *engine.Engine
	calloutSvc *callout.Service

	// collaborators are the in-memory downstream simulators, exposed
	// read-only for the dashboard.
	collaborators map[string]*collaborator.MemoryExecutor

	mu       sync.Mutex
	webhooks []webhookRecord
}

// New creates the call handler. calloutSvc may be nil when no provider
// is configured.
func New(eng *engine.Engine, calloutSvc *callout.Service, collaborators map[string]*collaborator.MemoryExecutor) *Handler {
	return &Handler{
		engine:        eng,
		calloutSvc:    calloutSvc,
		collaborators: collaborators,
	}
}

// RegisterRoutes wires the call routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/webhook", h.handleWebhook)
	r.Post("/make-call", h.handleMakeCall)
	r.Get("/display", h.handleDisplay)

	r.Route("/calls/{callID}", func(r chi.Router) {
		r.Post("/fragments", h.handleFragment)
		r.Post("/end", h.handleEnd)
		r.Get("/", h.handleGet)
		r.Get("/events", h.handleEvents)
	})
}

type webhookRequest struct {
	CallID         string `json:"callId"`
	Transcript     string `json:"transcript"`
	Language       string `json:"language"`
	Location       string `json:"location"`
	RecipientPhone string `json:"recipient_phone_number"`
}

type webhookRecord struct {
	CallID     string         `json:"callId"`
	ReceivedAt time.Time      `json:"receivedAt"`
	Transcript string         `json:"transcript"`
	Location   string         `json:"location,omitempty"`
	View       callmodel.View `json:"view"`
}

// handleWebhook takes a finished call transcript from the telephony
// provider and runs the whole triage lifecycle for it synchronously.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var payload webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.Transcript) == "" {
		utils.RespondError(w, http.StatusBadRequest, "transcript is required")
		return
	}

	callID := strings.TrimSpace(payload.CallID)
	if callID == "" {
		callID = uuid.NewString()
	}

	view, err := h.engine.ProcessOneShot(r.Context(), callID, payload.Transcript, payload.Language)
	if err != nil {
		if errors.Is(err, transcript.ErrOutOfOrderFragment) {
			utils.RespondError(w, http.StatusConflict, err.Error())
			return
		}
		log.Printf("[webhook] processing failed for call %s: %v", callID, err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to process call")
		return
	}

	h.mu.Lock()
	h.webhooks = append(h.webhooks, webhookRecord{
		CallID:     callID,
		ReceivedAt: time.Now().UTC(),
		Transcript: payload.Transcript,
		Location:   payload.Location,
		View:       view,
	})
	h.mu.Unlock()

	utils.RespondJSON(w, http.StatusOK, view)
}

type fragmentRequest struct {
	Text         string `json:"text"`
	Seq          int    `json:"seq"`
	Final        bool   `json:"final"`
	LanguageHint string `json:"languageHint"`
}

// handleFragment feeds one streamed transcript fragment into a call.
func (h *Handler) handleFragment(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")

	var payload fragmentRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	snap, err := h.engine.SubmitFragment(callID, transcript.Fragment{
		Text:         payload.Text,
		Seq:          payload.Seq,
		Final:        payload.Final,
		LanguageHint: payload.LanguageHint,
	})
	if err != nil {
		if errors.Is(err, transcript.ErrOutOfOrderFragment) {
			utils.RespondError(w, http.StatusConflict, err.Error())
			return
		}
		utils.RespondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusAccepted, map[string]any{
		"callId":  callID,
		"version": snap.Version,
	})
}

// handleEnd folds in the end-of-call signal.
func (h *Handler) handleEnd(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	if err := h.engine.EndCall(callID); err != nil {
		if errors.Is(err, engine.ErrUnknownCall) {
			utils.RespondError(w, http.StatusNotFound, "call not found")
			return
		}
		utils.RespondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "ending"})
}

// handleGet returns the call's current view.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	view, ok := h.engine.Snapshot(callID)
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "call not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, view)
}

// handleEvents streams the call's audit events over SSE.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel := h.engine.Watch(callID)
	defer cancel()

	utils.SetupSSEHeaders(w)
	utils.SendSSEChunk(w, flusher, map[string]any{
		"event":  "status",
		"callId": callID,
	})

	ctx := r.Context()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			utils.SendSSEEvent(w, flusher, string(ev.Type), ev)
		case t := <-heartbeat.C:
			utils.SendSSEChunk(w, flusher, map[string]any{
				"event": "heartbeat",
				"time":  t.UTC().Format(time.RFC3339),
			})
		}
	}
}

type makeCallRequest struct {
	RecipientPhone string `json:"recipient_phone_number"`
}

// handleMakeCall asks the voice provider to ring a recipient.
func (h *Handler) handleMakeCall(w http.ResponseWriter, r *http.Request) {
	if h.calloutSvc == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "callout provider not configured")
		return
	}

	var payload makeCallRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	status, err := h.calloutSvc.StartCall(r.Context(), payload.RecipientPhone)
	if err != nil {
		if errors.Is(err, callout.ErrDisabled) {
			utils.RespondError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		utils.RespondError(w, http.StatusBadGateway, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusOK, status)
}

// handleDisplay dumps received webhooks and everything the downstream
// collaborators acted on, for the operator dashboard.
func (h *Handler) handleDisplay(w http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	webhooks := make([]webhookRecord, len(h.webhooks))
	copy(webhooks, h.webhooks)
	h.mu.Unlock()

	deliveries := make(map[string][]collaborator.Record, len(h.collaborators))
	for name, c := range h.collaborators {
		deliveries[name] = c.Records()
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"liveCalls":  h.engine.Live(),
		"webhooks":   webhooks,
		"deliveries": deliveries,
	})
}
