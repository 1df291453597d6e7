package recorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
	"github.com/tidwall/gjson"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/kagent-dev/evalrecorder/pkg/recorder/capture"
	apperrors "github.com/kagent-dev/evalrecorder/pkg/recorder/errors"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/evalset"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/events"
	"github.com/kagent-dev/evalrecorder/pkg/recorder/store"
)

const maxBodySize = 32 << 20

type openSessionRequest struct {
	ThreadID string `json:"threadId"`
	RunID    string `json:"runId"`
}

type startInvocationRequest struct {
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

type promoteRequest struct {
	ConversationID string `json:"conversationId"`
}

type feedbackRequest struct {
	ConversationID string   `json:"conversationId"`
	InvocationID   string   `json:"invocationId"`
	Rating         *float64 `json:"rating"`
	Comment        string   `json:"comment"`
}

type editRequest struct {
	InvocationID    string  `json:"invocationId"`
	NewAgentMessage *string `json:"newAgentMessage"`
}

type exportRequest struct {
	ConversationIDs []string `json:"conversationIds"`
	AppName         string   `json:"appName"`
	UserID          string   `json:"userId"`
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"app":    a.Config.Export.AppName,
	})
}

func (a *App) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ThreadID == "" {
		writeError(w, http.StatusBadRequest, "threadId is required")
		return
	}

	a.Sessions.Open(req.ThreadID, req.RunID)
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "threadId": req.ThreadID})
}

func (a *App) handleStartInvocation(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["threadId"]
	var req startInvocationRequest
	if !decodeBody(w, r, &req) {
		return
	}

	id, err := a.Sessions.StartInvocation(threadID, req.Message, req.MessageID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "invocationId": id})
}

func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["threadId"]
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil || !gjson.ValidBytes(body) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// Array elements that are not events come back marked malformed and are
	// counted as drops by the recorder.
	evs, err := events.DecodeBatch(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid event")
		return
	}

	accepted := 0
	for _, ev := range evs {
		if err := a.Sessions.Handle(r.Context(), threadID, ev); err != nil {
			if accepted == 0 {
				a.fail(w, r, err)
				return
			}
			break
		}
		accepted++
		if ev.Type == events.TypeRunFinished {
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "accepted": accepted})
}

func (a *App) handleSaveSession(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["threadId"]
	if err := a.Sessions.Save(r.Context(), threadID); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "filename": store.Filename(threadID)})
}

func (a *App) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["threadId"]
	rec, ok := a.Sessions.Get(threadID)
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"threadId":    threadID,
		"state":       rec.State(),
		"invocations": len(rec.Invocations()),
		"dropped":     rec.Dropped(),
		"buffered":    rec.Buffered(),
	})
}

func (a *App) handleReplay(w http.ResponseWriter, r *http.Request) {
	var run capture.Run
	if !decodeBody(w, r, &run) {
		return
	}

	result, err := a.Sessions.Replay(r.Context(), run.Input, run.Events)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *App) handlePromote(w http.ResponseWriter, r *http.Request) {
	var req promoteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "conversationId is required")
		return
	}
	if err := store.ValidateID(req.ConversationID); err != nil {
		a.fail(w, r, err)
		return
	}

	filename, err := store.Promote(r.Context(), a.Stores.Live, a.Stores.Saved, req.ConversationID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	ctrllog.FromContext(r.Context()).Info("Saved conversation", "conversationId", req.ConversationID, "savedAs", filename)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "savedAs": filename})
}

func (a *App) handleListSaved(w http.ResponseWriter, r *http.Request) {
	summaries, err := a.Stores.Saved.List(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": summaries})
}

func (a *App) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ConversationID == "" || req.InvocationID == "" {
		writeError(w, http.StatusBadRequest, "conversationId and invocationId are required")
		return
	}
	if req.Rating == nil || *req.Rating < 1 || *req.Rating > 5 || *req.Rating != math.Trunc(*req.Rating) {
		writeError(w, http.StatusBadRequest, "rating must be an integer between 1 and 5")
		return
	}
	if err := store.ValidateID(req.ConversationID); err != nil {
		a.fail(w, r, err)
		return
	}

	err := a.patchSaved(r, req.ConversationID, func(data []byte) ([]byte, error) {
		return store.SetFeedback(data, req.InvocationID, int(*req.Rating), req.Comment)
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Feedback saved successfully"})
}

func (a *App) handleEdit(w http.ResponseWriter, r *http.Request) {
	id, ok := a.savedID(w, r)
	if !ok {
		return
	}
	var req editRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.InvocationID == "" || req.NewAgentMessage == nil {
		writeError(w, http.StatusBadRequest, "invocationId and newAgentMessage are required")
		return
	}

	err := a.patchSaved(r, id, func(data []byte) ([]byte, error) {
		return store.SetAgentMessage(data, req.InvocationID, *req.NewAgentMessage)
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// patchSaved rewrites a saved document in place through patch.
func (a *App) patchSaved(r *http.Request, id string, patch func([]byte) ([]byte, error)) error {
	data, err := a.Stores.Saved.LoadRaw(r.Context(), id)
	if err != nil {
		return err
	}
	out, err := patch(data)
	if err != nil {
		return err
	}
	return a.Stores.Saved.SaveRaw(r.Context(), id, out)
}

func (a *App) handleGetSaved(w http.ResponseWriter, r *http.Request) {
	id, ok := a.savedID(w, r)
	if !ok {
		return
	}
	data, err := a.Stores.Saved.LoadRaw(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	view, err := evalset.Simplify(id, data)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *App) handleGetRaw(w http.ResponseWriter, r *http.Request) {
	id, ok := a.savedID(w, r)
	if !ok {
		return
	}
	data, err := a.Stores.Saved.LoadRaw(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (a *App) handleDeleteSaved(w http.ResponseWriter, r *http.Request) {
	id, ok := a.savedID(w, r)
	if !ok {
		return
	}
	if err := a.Stores.Saved.Delete(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	ctrllog.FromContext(r.Context()).Info("Deleted saved conversation", "conversationId", id)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *App) handleExport(w http.ResponseWriter, r *http.Request) {
	id, ok := a.savedID(w, r)
	if !ok {
		return
	}
	invocations, err := a.Stores.Saved.Load(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	opts := a.ExportOptions()
	if v := r.URL.Query().Get("app_name"); v != "" {
		opts.AppName = v
	}
	if v := r.URL.Query().Get("user_id"); v != "" {
		opts.UserID = v
	}

	set, err := evalset.Export(id, invocations, opts)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeEvalSet(w, set)
}

func (a *App) handleExportMany(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.ConversationIDs) == 0 {
		writeError(w, http.StatusBadRequest, "conversationIds is required")
		return
	}

	opts := a.ExportOptions()
	if req.AppName != "" {
		opts.AppName = req.AppName
	}
	if req.UserID != "" {
		opts.UserID = req.UserID
	}

	var result *multierror.Error
	cases := make([]*evalset.EvalCase, 0, len(req.ConversationIDs))
	for _, id := range req.ConversationIDs {
		evalCase, err := a.loadEvalCase(r, id, opts)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		cases = append(cases, evalCase)
	}
	if err := result.ErrorOrNil(); err != nil {
		a.fail(w, r, err)
		return
	}

	set, err := evalset.ToEvalSet(opts, cases...)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeEvalSet(w, set)
}

func (a *App) loadEvalCase(r *http.Request, id string, opts evalset.Options) (*evalset.EvalCase, error) {
	if err := store.ValidateID(id); err != nil {
		return nil, err
	}
	invocations, err := a.Stores.Saved.Load(r.Context(), id)
	if err != nil {
		return nil, err
	}
	return evalset.ToEvalCase(id, invocations, opts)
}

func (a *App) savedID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := mux.Vars(r)["id"]
	if err := store.ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid conversationId format")
		return "", false
	}
	return id, true
}

// fail maps err to a status code and writes the error body. Unexpected
// failures are logged and reported without detail.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		ctrllog.FromContext(r.Context()).Error(err, "Request failed")
		writeError(w, status, "Internal server error")
		return
	}
	writeError(w, status, messageFor(err))
}

func statusFor(err error) int {
	switch apperrors.Code(err) {
	case apperrors.ErrCodeNoActiveSession:
		return http.StatusConflict
	case apperrors.ErrCodeNotFound, apperrors.ErrCodeInvocationNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeInvalidInput, apperrors.ErrCodeInvalidFormat:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func messageFor(err error) string {
	var merr *multierror.Error
	if errors.As(err, &merr) && len(merr.Errors) > 1 {
		msgs := make([]string, 0, len(merr.Errors))
		for _, e := range merr.Errors {
			msgs = append(msgs, messageFor(e))
		}
		return fmt.Sprintf("%d errors occurred: %v", len(msgs), msgs)
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func writeEvalSet(w http.ResponseWriter, set *evalset.EvalSet) {
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", set.EvalSetID+".evalset.json"))
	writeJSON(w, http.StatusOK, set)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}
