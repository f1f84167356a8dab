package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/anti-entropy/forgewright/internal/core"
	"github.com/anti-entropy/forgewright/internal/service"
)

// CreateTaskRequest is the body of POST /api/v1/tasks.
type CreateTaskRequest struct {
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	UserInput    string   `json:"user_input"`
	RepoURL      string   `json:"repo_url"`
	TargetBranch string   `json:"target_branch"`
	AgentType    string   `json:"agent_type"`
	AgentModel   string   `json:"agent_model"`
	ContextFiles []string `json:"context_files,omitempty"`
	BuildCommand string   `json:"build_command,omitempty"`
}

// FeedbackRequest is the body of POST .../feedback and .../pr/request-changes.
type FeedbackRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	statusParam := r.URL.Query().Get("status")
	var statuses []core.TaskStatus
	if statusParam != "" {
		statuses = []core.TaskStatus{core.TaskStatus(statusParam)}
	}

	tasks, err := s.store.ListByStatus(r.Context(), statuses...)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.TargetBranch == "" {
		req.TargetBranch = "main"
	}

	task := core.NewTask(req.Title, req.RepoURL, req.TargetBranch)
	task.Description = req.Description
	task.UserInput = req.UserInput
	task.ContextFiles = req.ContextFiles
	task.BuildCommand = req.BuildCommand
	if req.AgentType != "" {
		task.AgentType = core.AgentType(req.AgentType)
	}
	task.AgentModel = req.AgentModel

	if err := task.Validate(); err != nil {
		respondDomainError(w, err)
		return
	}

	if err := s.store.Create(r.Context(), task); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.loadTask(w, r)
	if err != nil {
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := core.TaskID(chi.URLParam(r, "taskID"))
	if err := s.store.Delete(r.Context(), id); err != nil {
		respondDomainError(w, err)
		return
	}
	s.bus.CloseTask(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	id := core.TaskID(chi.URLParam(r, "taskID"))
	logs, err := s.store.Logs(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, logs)
}

func (s *Server) handleTaskChat(w http.ResponseWriter, r *http.Request) {
	id := core.TaskID(chi.URLParam(r, "taskID"))
	respondJSON(w, http.StatusOK, s.supervisor.ChatHistory(id))
}

func (s *Server) loadTask(w http.ResponseWriter, r *http.Request) (*core.Task, error) {
	id := core.TaskID(chi.URLParam(r, "taskID"))
	task, err := s.store.Get(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return nil, err
	}
	return task, nil
}

func (s *Server) taskIDParam(r *http.Request) core.TaskID {
	return core.TaskID(chi.URLParam(r, "taskID"))
}

func (s *Server) handleStartAgent(w http.ResponseWriter, r *http.Request) {
	id := s.taskIDParam(r)
	if err := s.supervisor.StartAgent(r.Context(), id, service.StartOptions{}); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleResumeAgent(w http.ResponseWriter, r *http.Request) {
	id := s.taskIDParam(r)
	if err := s.supervisor.StartAgent(r.Context(), id, service.StartOptions{IsResume: true}); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "resumed"})
}

func (s *Server) handlePlanOnly(w http.ResponseWriter, r *http.Request) {
	id := s.taskIDParam(r)
	if err := s.supervisor.StartAgent(r.Context(), id, service.StartOptions{PlanOnly: true}); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "planning"})
}

func (s *Server) handleApprovePlan(w http.ResponseWriter, r *http.Request) {
	id := s.taskIDParam(r)
	if err := s.supervisor.ApprovePlan(r.Context(), id); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "coding"})
}

func (s *Server) handleApproveAndCreatePR(w http.ResponseWriter, r *http.Request) {
	id := s.taskIDParam(r)
	if err := s.supervisor.ApproveAndCreatePR(r.Context(), id); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "pr_created"})
}

func (s *Server) handleRequestChanges(w http.ResponseWriter, r *http.Request) {
	id := s.taskIDParam(r)
	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.supervisor.RequestChanges(r.Context(), id, req.Message); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "changes_requested"})
}

func (s *Server) handleMarkPRMerged(w http.ResponseWriter, r *http.Request) {
	id := s.taskIDParam(r)
	if err := s.supervisor.MarkPRMerged(r.Context(), id); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "done"})
}

func (s *Server) handleMarkPRClosed(w http.ResponseWriter, r *http.Request) {
	id := s.taskIDParam(r)
	if err := s.supervisor.MarkPRClosed(r.Context(), id); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

func (s *Server) handleSendFeedback(w http.ResponseWriter, r *http.Request) {
	id := s.taskIDParam(r)
	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.supervisor.SendFeedback(id, req.Message); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (s *Server) handleCancelAgent(w http.ResponseWriter, r *http.Request) {
	id := s.taskIDParam(r)
	if err := s.supervisor.CancelAgent(id); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

func (s *Server) handleExtendTimeout(w http.ResponseWriter, r *http.Request) {
	id := s.taskIDParam(r)
	if err := s.supervisor.ExtendTimeout(id); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "extended"})
}
