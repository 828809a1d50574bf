package handler

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/dukerupert/virtualtours/internal/auth"
	"github.com/dukerupert/virtualtours/internal/generation"
	"github.com/dukerupert/virtualtours/internal/ledger"
	"github.com/dukerupert/virtualtours/internal/model"
)

// ImageOpener opens a finished image file for serving.
type ImageOpener interface {
	Open(path string) (*os.File, os.FileInfo, error)
}

type GenerationHandler struct {
	workflow *generation.Workflow
	images   ImageOpener
	logger   *slog.Logger
}

func NewGenerationHandler(wf *generation.Workflow, images ImageOpener, logger *slog.Logger) *GenerationHandler {
	return &GenerationHandler{workflow: wf, images: images, logger: logger}
}

type generationView struct {
	*model.Generation
	ImageURL   string `json:"image_url,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func (h *GenerationHandler) view(g *model.Generation) generationView {
	v := generationView{Generation: g}
	if g.Status == model.GenerationReady {
		v.ImageURL = fmt.Sprintf("/generations/%d/image", g.ID)
	}
	return v
}

// Create starts a generation for the signed-in account and answers 202 with
// the pending record.
func (h *GenerationHandler) Create(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	tourType, err := formValue(r, "tour_type")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}

	g, err := h.workflow.Start(r.Context(), id.SessionID, id.Email, tourType)
	if err != nil {
		if !errors.Is(err, ledger.ErrInsufficientBalance) {
			h.logger.Error("start generation", "email", id.Email, "error", err)
		}
		writeError(w, err)
		return
	}

	v := h.view(g)
	v.RetryAfter = retrySeconds(h.workflow.PollInterval())
	w.Header().Set("Location", fmt.Sprintf("/generations/%d", g.ID))
	w.Header().Set("Retry-After", strconv.Itoa(v.RetryAfter))
	writeJSON(w, http.StatusAccepted, v)
}

// Get is the polling endpoint: 200 once the generation is settled, 202 with
// a retry hint while it is pending.
func (h *GenerationHandler) Get(w http.ResponseWriter, r *http.Request) {
	gid, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid id"})
		return
	}

	p, err := h.workflow.Preview(r.Context(), gid, auth.SessionID(r.Context()))
	if err != nil {
		if !errors.Is(err, generation.ErrNotFound) && !errors.Is(err, generation.ErrWrongSession) {
			h.logger.Error("preview generation", "generation_id", gid, "error", err)
		}
		writeError(w, err)
		return
	}

	v := h.view(p.Generation)
	if p.Generation.Status == model.GenerationPending {
		v.RetryAfter = retrySeconds(p.RetryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(v.RetryAfter))
		writeJSON(w, http.StatusAccepted, v)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// Image serves the finished image of a generation owned by the caller's
// session.
func (h *GenerationHandler) Image(w http.ResponseWriter, r *http.Request) {
	gid, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid id"})
		return
	}

	p, err := h.workflow.Preview(r.Context(), gid, auth.SessionID(r.Context()))
	if err != nil {
		if !errors.Is(err, generation.ErrNotFound) && !errors.Is(err, generation.ErrWrongSession) {
			h.logger.Error("preview generation", "generation_id", gid, "error", err)
		}
		writeError(w, err)
		return
	}
	if !p.Ready {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "image not ready"})
		return
	}

	f, info, err := h.images.Open(p.Generation.ImagePath())
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			h.logger.Error("open image", "generation_id", gid, "error", err)
		}
		writeJSON(w, http.StatusNotFound, errorBody{Error: "image not found"})
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "private, max-age=86400")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// retrySeconds rounds a poll interval to whole seconds, at least one.
func retrySeconds(d time.Duration) int {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

// List returns the session's most recent generations, newest first.
func (h *GenerationHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid limit"})
			return
		}
		limit = n
	}

	gens, err := h.workflow.ListRecent(r.Context(), auth.SessionID(r.Context()), limit)
	if err != nil {
		h.logger.Error("list generations", "error", err)
		writeError(w, err)
		return
	}
	views := make([]generationView, 0, len(gens))
	for i := range gens {
		views = append(views, h.view(&gens[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"generations": views})
}

// Scenes lists the tour types a generation may ask for.
func (h *GenerationHandler) Scenes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"scenes": generation.Scenes()})
}
