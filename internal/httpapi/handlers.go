package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/questgate/server/internal/integrity"
)

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) fingerprint(w http.ResponseWriter, r *http.Request) {
	var env integrity.Environment
	if !decodeJSON(w, r, &env) {
		return
	}
	fillEnvironment(&env, r)
	writeSuccess(w, http.StatusOK, map[string]string{
		"fingerprint": h.gate.Fingerprint(env),
		"scheme":      string(h.gate.Scheme()),
	})
}

type commitRequest struct {
	QuestID     string `json:"questId"`
	Timestamp   string `json:"timestamp"`
	DeviceID    string `json:"deviceId"`
	Description string `json:"description"`
}

func (h *Handler) commit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ts, err := integrity.ParseTimestamp(req.Timestamp)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	sub := integrity.Submission{
		QuestID:     req.QuestID,
		Timestamp:   ts,
		DeviceID:    req.DeviceID,
		Description: req.Description,
	}
	hash, err := h.gate.Commit(r.Context(), sub)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]string{
		"commitmentHash": hash,
		"timestamp":      integrity.FormatTimestamp(ts),
	})
}

type evaluateRequest struct {
	History integrity.SubmissionHistory `json:"history"`
	Attempt integrity.Attempt           `json:"attempt"`
}

// evaluate runs the gate over a caller-supplied history and stores nothing.
func (h *Handler) evaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	fillEnvironment(&req.Attempt.Environment, r)
	decision, err := h.gate.Evaluate(r.Context(), req.History, req.Attempt)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, decision)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var attempt integrity.Attempt
	if !decodeJSON(w, r, &attempt) {
		return
	}
	fillEnvironment(&attempt.Environment, r)
	decision, err := h.service.Submit(r.Context(), chi.URLParam(r, "userID"), attempt)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if decision.Submission.ID != "" {
		status = http.StatusCreated
	}
	writeSuccess(w, status, decision)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.Status(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, view)
}

func (h *Handler) markVerified(w http.ResponseWriter, r *http.Request) {
	if err := h.service.MarkVerified(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "submissionID")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) verifyCommitment(w http.ResponseWriter, r *http.Request) {
	v, err := h.service.VerifyCommitment(r.Context(), chi.URLParam(r, "submissionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, v)
}

// fillEnvironment takes the user agent and primary language from request
// headers when the body leaves them empty.
func fillEnvironment(env *integrity.Environment, r *http.Request) {
	if env.UserAgent == "" {
		env.UserAgent = r.UserAgent()
	}
	if env.Language == "" {
		env.Language = primaryLanguage(r.Header.Get("Accept-Language"))
	}
}

func primaryLanguage(header string) string {
	first, _, _ := strings.Cut(header, ",")
	tag, _, _ := strings.Cut(first, ";")
	return strings.TrimSpace(tag)
}
