package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/wesm/wizardsync/internal/db"
	"github.com/wesm/wizardsync/internal/remote"
	"github.com/wesm/wizardsync/internal/wizard"
)

const maxBodyBytes = 1 << 20

// stepResponse is the body of a successful completion.
// NextStep is null once every step is complete.
type stepResponse struct {
	State    wizard.Record `json:"state"`
	NextStep *wizard.Step  `json:"nextStep"`
}

func newStepResponse(rec wizard.Record, next wizard.Step) stepResponse {
	resp := stepResponse{State: rec}
	if next != "" {
		resp.NextStep = &next
	}
	return resp
}

func (s *Server) handleGetProgress(
	w http.ResponseWriter, r *http.Request, user *wizard.User,
) {
	rec, err := s.db.GetProgress(r.Context(), user.ID, s.def)
	if err != nil {
		if handleContextError(w, err) {
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.metrics.reads.Inc()
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCompleteStep(
	w http.ResponseWriter, r *http.Request, user *wizard.User,
) {
	var req struct {
		Step    wizard.Step     `json:"step"`
		Payload json.RawMessage `json:"payload"`
	}
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		s.reject("bad_request")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Step == "" {
		s.reject("validation")
		writeValidation(w, "step is required", []remote.FieldError{
			{Field: "step", Message: "is required"},
		})
		return
	}
	if !s.def.Contains(req.Step) {
		s.reject("unknown_step")
		writeValidation(w,
			fmt.Sprintf("unknown step %q", req.Step),
			[]remote.FieldError{{Field: "step", Message: "is not a wizard step"}},
		)
		return
	}
	payload, err := decodePayload(req.Payload)
	if err != nil {
		s.reject("validation")
		writeValidation(w, "invalid payload", []remote.FieldError{
			{Field: "payload", Message: "must be a JSON object"},
		})
		return
	}

	rec, err := s.db.GetProgress(r.Context(), user.ID, s.def)
	if err != nil {
		if handleContextError(w, err) {
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !wizard.CanNavigateTo(req.Step, rec) {
		s.reject("conflict")
		writeError(w, http.StatusConflict, fmt.Sprintf(
			"step %s is not reachable; current step is %s",
			req.Step, rec.CurrentStep,
		))
		return
	}
	if missing := s.def.MissingFields(req.Step, payload); len(missing) > 0 {
		fields := make([]remote.FieldError, len(missing))
		for i, f := range missing {
			fields[i] = remote.FieldError{Field: f, Message: "is required"}
		}
		s.reject("validation")
		writeValidation(w, "invalid payload", fields)
		return
	}

	s.completeStep(w, r, user.ID, req.Step, payload)
}

// completeStep records the completion and answers with the
// updated record. Validation is the caller's job.
func (s *Server) completeStep(
	w http.ResponseWriter, r *http.Request,
	userID string, step wizard.Step, payload wizard.Payload,
) {
	rec, next, err := s.db.CompleteStep(
		r.Context(), userID, step, payload, s.def,
	)
	if err != nil {
		if handleContextError(w, err) {
			return
		}
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.metrics.completions.WithLabelValues(string(step)).Inc()
	s.hub.notify(userID)
	writeJSON(w, http.StatusOK, newStepResponse(rec, next))
}

func (s *Server) reject(reason string) {
	s.metrics.rejections.WithLabelValues(reason).Inc()
}

// decodePayload accepts an absent or null payload as empty.
func decodePayload(raw json.RawMessage) (wizard.Payload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return wizard.Payload{}, nil
	}
	var p wizard.Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// --- admin ---

func (s *Server) handleAdminCreateUser(
	w http.ResponseWriter, r *http.Request,
) {
	var req struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"emailVerified"`
	}
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Email == "" {
		writeValidation(w, "email is required", []remote.FieldError{
			{Field: "email", Message: "is required"},
		})
		return
	}
	u, err := s.db.CreateUser(r.Context(), req.Email, req.EmailVerified)
	if err != nil {
		if handleContextError(w, err) {
			return
		}
		if errors.Is(err, db.ErrConflict) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// handleAdminCompleteStep completes a step out of band,
// bypassing the navigation guard and field checks. The body,
// if any, is the payload.
func (s *Server) handleAdminCompleteStep(
	w http.ResponseWriter, r *http.Request,
) {
	step := wizard.Step(r.PathValue("step"))
	if !s.def.Contains(step) {
		writeValidation(w,
			fmt.Sprintf("unknown step %q", step),
			[]remote.FieldError{{Field: "step", Message: "is not a wizard step"}},
		)
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body")
		return
	}
	payload, err := decodePayload(raw)
	if err != nil {
		writeValidation(w, "invalid payload", []remote.FieldError{
			{Field: "payload", Message: "must be a JSON object"},
		})
		return
	}
	s.completeStep(w, r, r.PathValue("id"), step, payload)
}

func (s *Server) handleAdminResetProgress(
	w http.ResponseWriter, r *http.Request,
) {
	userID := r.PathValue("id")
	rec, err := s.db.ResetProgress(r.Context(), userID, s.def)
	if err != nil {
		if handleContextError(w, err) {
			return
		}
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.hub.notify(userID)
	writeJSON(w, http.StatusOK, rec)
}
