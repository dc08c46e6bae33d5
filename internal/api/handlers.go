package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"NexusAgent/internal/audit"
	xerrors "NexusAgent/internal/errors"
	"NexusAgent/internal/policy"
	"NexusAgent/internal/settlement"
)

type createTaskRequest struct {
	EmployerID string `json:"employerId"`
	settlement.TaskSpec
}

// handleCreateTask 处理 POST /api/v1/tasks。
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id, err := s.settlement.CreateTask(r.Context(), req.EmployerID, req.TaskSpec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// handleTaskDetail 处理 GET /api/v1/tasks/{id}。
func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	task, err := s.settlement.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleTaskCandidate 处理 GET /api/v1/tasks/{id}/candidate，没有候选代理时返回 404。
func (s *Server) handleTaskCandidate(w http.ResponseWriter, r *http.Request) {
	agentID, ok, err := s.settlement.FindAgentForTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "没有可用的代理"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agentId": agentID})
}

type assignTaskRequest struct {
	AgentID string `json:"agentId"`
}

// handleAssignTask 处理 POST /api/v1/tasks/{id}/assign。
func (s *Server) handleAssignTask(w http.ResponseWriter, r *http.Request) {
	var req assignTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.settlement.AssignTask(r.Context(), chi.URLParam(r, "id"), req.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type createEscrowRequest struct {
	EmployerID string                 `json:"employerId"`
	EmployeeID string                 `json:"employeeId"`
	Amount     float64                `json:"amount"`
	TokenMint  string                 `json:"tokenMint,omitempty"`
	Milestones []settlement.Milestone `json:"milestones"`
}

// handleCreateEscrow 处理 POST /api/v1/escrows。
func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	var req createEscrowRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	var opts []settlement.EscrowOption
	if req.TokenMint != "" {
		opts = append(opts, settlement.WithToken(req.TokenMint))
	}
	id, err := s.settlement.CreateEscrow(r.Context(), req.EmployerID, req.EmployeeID, req.Amount, req.Milestones, opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// handleEscrowDetail 处理 GET /api/v1/escrows/{id}。
func (s *Server) handleEscrowDetail(w http.ResponseWriter, r *http.Request) {
	escrow, err := s.settlement.GetEscrow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, escrow)
}

// handleFundEscrow 处理 POST /api/v1/escrows/{id}/fund。
func (s *Server) handleFundEscrow(w http.ResponseWriter, r *http.Request) {
	escrow, err := s.settlement.FundEscrow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, escrow)
}

// handleCompleteMilestone 处理 POST /api/v1/escrows/{id}/milestones/{index}/complete。
func (s *Server) handleCompleteMilestone(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "里程碑下标必须是整数"))
		return
	}
	done, err := s.settlement.CompleteMilestone(r.Context(), chi.URLParam(r, "id"), index)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, done)
}

// handleAuditQuery 处理 GET /api/v1/audit。
func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		WalletID: q.Get("wallet_id"),
		AgentID:  q.Get("agent_id"),
		Action:   audit.Action(q.Get("action")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "limit 必须是整数"))
			return
		}
		filter.Limit = limit
	}

	records, err := s.audit.Query(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// handleWalletDetail 处理 GET /api/v1/wallets/{agentID}，返回代理最新的钱包，冻结的也返回。
func (s *Server) handleWalletDetail(w http.ResponseWriter, r *http.Request) {
	wlt, err := s.wallets.Load(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wlt)
}

type freezeRequest struct {
	Reason string `json:"reason"`
}

// handleFreezeWallet 处理 POST /api/v1/wallets/{agentID}/freeze。
func (s *Server) handleFreezeWallet(w http.ResponseWriter, r *http.Request) {
	var req freezeRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = "manual freeze"
	}
	wlt, err := s.wallets.Freeze(r.Context(), chi.URLParam(r, "agentID"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wlt)
}

type reprovisionRequest struct {
	Policy *policy.Config `json:"policy,omitempty"`
}

// handleReprovisionWallet 处理 POST /api/v1/wallets/{agentID}/reprovision。
// 缺省 policy 时沿用冻结钱包的策略。
func (s *Server) handleReprovisionWallet(w http.ResponseWriter, r *http.Request) {
	var req reprovisionRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Policy != nil {
		if err := req.Policy.Validate(); err != nil {
			writeError(w, err)
			return
		}
	}
	wlt, err := s.wallets.Reprovision(r.Context(), chi.URLParam(r, "agentID"), req.Policy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wlt)
}
