package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/tasksync/internal/tasks"
)

type createWorkspaceRequest struct {
	Name string `json:"name"`
}

type addMemberRequest struct {
	IdentityID string `json:"identity_id"`
}

type changeStatusRequest struct {
	Status string `json:"status"`
}

type reorderRequest struct {
	TaskIDs []string `json:"task_ids"`
}

type favoriteResponse struct {
	TaskID   string `json:"task_id"`
	Favorite bool   `json:"favorite"`
}

type issueNotificationRequest struct {
	IdentityID string `json:"identity_id"`
	Type       string `json:"type"`
	Message    string `json:"message"`
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req createWorkspaceRequest
	if err := decodeBody(r, &req); err != nil {
		respondAppError(w, err)
		return
	}
	ws, err := s.manager.CreateWorkspace(r.Context(), identityFrom(r), req.Name)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, ws)
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var req addMemberRequest
	if err := decodeBody(r, &req); err != nil {
		respondAppError(w, err)
		return
	}
	wsID := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := s.manager.AddMember(r.Context(), identityFrom(r), wsID, strings.TrimSpace(req.IdentityID)); err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"workspace_id": wsID,
		"identity_id":  req.IdentityID,
	})
}

func (s *Server) handleWorkspaceTasks(w http.ResponseWriter, r *http.Request) {
	snap, err := s.manager.WorkspaceSnapshot(r.Context(), identityFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req tasks.TaskInput
	if err := decodeBody(r, &req); err != nil {
		respondAppError(w, err)
		return
	}
	task, err := s.manager.CreateTask(r.Context(), identityFrom(r), chi.URLParam(r, "id"), req)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, task)
}

func (s *Server) handleReorder(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if err := decodeBody(r, &req); err != nil {
		respondAppError(w, err)
		return
	}
	order, err := s.manager.Reorder(r.Context(), identityFrom(r), chi.URLParam(r, "id"), req.TaskIDs)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.manager.GetTask(r.Context(), identityFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleChangeStatus(w http.ResponseWriter, r *http.Request) {
	var req changeStatusRequest
	if err := decodeBody(r, &req); err != nil {
		respondAppError(w, err)
		return
	}
	task, err := s.manager.ChangeStatus(r.Context(), identityFrom(r), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleAddComment(w http.ResponseWriter, r *http.Request) {
	var req tasks.CommentInput
	if err := decodeBody(r, &req); err != nil {
		respondAppError(w, err)
		return
	}
	c, err := s.manager.AddComment(r.Context(), identityFrom(r), chi.URLParam(r, "id"), req)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, c)
}

func (s *Server) handleAddAttachment(w http.ResponseWriter, r *http.Request) {
	var req tasks.AttachmentInput
	if err := decodeBody(r, &req); err != nil {
		respondAppError(w, err)
		return
	}
	a, err := s.manager.AddAttachment(r.Context(), identityFrom(r), chi.URLParam(r, "id"), req)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, a)
}

func (s *Server) handleToggleFavorite(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	fav, err := s.manager.ToggleFavorite(r.Context(), identityFrom(r), taskID)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, favoriteResponse{TaskID: taskID, Favorite: fav})
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		if n > 200 {
			n = 200
		}
		limit = n
	}
	list, err := s.manager.ListNotifications(r.Context(), identityFrom(r), limit)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"notifications": list,
	})
}

func (s *Server) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.manager.MarkNotificationRead(r.Context(), identityFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, n)
}

func (s *Server) handleIssueNotification(w http.ResponseWriter, r *http.Request) {
	var req issueNotificationRequest
	if err := decodeBody(r, &req); err != nil {
		respondAppError(w, err)
		return
	}
	n, err := s.manager.IssueNotification(r.Context(), identityFrom(r), strings.TrimSpace(req.IdentityID), tasks.NotificationInput{
		Type:    req.Type,
		Message: req.Message,
	})
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, n)
}
