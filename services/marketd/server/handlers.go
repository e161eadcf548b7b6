package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"gigvault/observability/logging"
	"gigvault/services/marketd/escrow"
	"gigvault/services/marketd/lifecycle"
	"gigvault/services/marketd/models"
	"gigvault/services/marketd/settlement"
	"gigvault/services/marketd/store"
)

func (s *Server) caller(w http.ResponseWriter, r *http.Request) (*Claims, bool) {
	claims, err := FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return nil, false
	}
	return claims, true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		http.Error(w, "invalid "+name, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: message, Code: "invalid_request"})
}

// GetQuote prices a funding: GET /quote?amount=500&currency=stable.
func (s *Server) GetQuote(w http.ResponseWriter, r *http.Request) {
	if s.quoter == nil {
		http.Error(w, "quotes unavailable", http.StatusServiceUnavailable)
		return
	}
	usd, err := settlement.ParseAmount(r.URL.Query().Get("amount"))
	if err != nil {
		badRequest(w, "amount must be a decimal")
		return
	}
	currency, err := settlement.ParseCurrency(r.URL.Query().Get("currency"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	quote, err := s.quoter.Quote(r.Context(), usd, currency)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	precision := int(quote.Decimals)
	resp := map[string]string{
		"currency":     currency.String(),
		"amount":       settlement.FormatAmount(quote.Amount, precision),
		"platform_fee": settlement.FormatAmount(quote.PlatformFee, precision),
		"total_locked": settlement.FormatAmount(quote.TotalLocked, precision),
	}
	if quote.USDPerNative != nil {
		resp["usd_per_native"] = settlement.FormatAmount(quote.USDPerNative, 6)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetProfile returns the caller's profile.
func (s *Server) GetProfile(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.caller(w, r)
	if !ok {
		return
	}
	profile, err := s.machine.Profile(r.Context(), claims.Subject)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// PutProfile stores the caller's display name and payout wallets.
func (s *Server) PutProfile(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req struct {
		DisplayName   string `json:"display_name"`
		PrimaryWallet string `json:"primary_wallet"`
		EVMWallet     string `json:"evm_wallet"`
	}
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid body")
		return
	}
	profile, err := s.machine.SaveProfile(r.Context(), claims.Subject, lifecycle.ProfileInput{
		DisplayName:   req.DisplayName,
		Role:          claims.Role,
		PrimaryWallet: req.PrimaryWallet,
		EVMWallet:     req.EVMWallet,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// CreateProject posts a new project for the calling client.
func (s *Server) CreateProject(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req struct {
		Title          string     `json:"title"`
		Description    string     `json:"description"`
		Category       string     `json:"category"`
		RequiredSkills []string   `json:"required_skills"`
		Budget         string     `json:"budget"`
		Timeline       string     `json:"timeline"`
		Draft          bool       `json:"draft"`
		FreelancerID   *uuid.UUID `json:"freelancer_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid body")
		return
	}
	project, err := s.machine.CreateProject(r.Context(), claims.Subject, lifecycle.ProjectInput{
		Title:          req.Title,
		Description:    req.Description,
		Category:       req.Category,
		RequiredSkills: req.RequiredSkills,
		Budget:         req.Budget,
		Timeline:       req.Timeline,
		Draft:          req.Draft,
		FreelancerID:   req.FreelancerID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

// ListProjects lists projects. mine=true narrows to the caller's own projects.
func (s *Server) ListProjects(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.caller(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := store.ProjectFilter{
		Status:   models.ProjectStatus(strings.TrimSpace(q.Get("status"))),
		Category: strings.TrimSpace(q.Get("category")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			badRequest(w, "invalid limit")
			return
		}
		filter.Limit = limit
	}
	if q.Get("mine") == "true" {
		if claims.Role == models.RoleFreelancer {
			filter.FreelancerID = claims.Subject
		} else {
			filter.ClientID = claims.Subject
		}
	}
	projects, err := s.machine.ListProjects(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

// GetProject returns one project.
func (s *Server) GetProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	project, err := s.machine.GetProject(r.Context(), projectID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

// ListEvents returns a project's audit trail to its parties.
func (s *Server) ListEvents(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.caller(w, r)
	if !ok {
		return
	}
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	trail, err := s.machine.History(r.Context(), claims.Subject, projectID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trail)
}

type projectAction func(s *Server, r *http.Request, actor, projectID uuid.UUID) (*models.Project, error)

func (s *Server) projectAction(action projectAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := s.caller(w, r)
		if !ok {
			return
		}
		projectID, ok := pathID(w, r, "projectID")
		if !ok {
			return
		}
		project, err := action(s, r, claims.Subject, projectID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, project)
	}
}

// PublishProject moves a draft to active.
func (s *Server) PublishProject(w http.ResponseWriter, r *http.Request) {
	s.projectAction(func(s *Server, r *http.Request, actor, projectID uuid.UUID) (*models.Project, error) {
		return s.machine.PublishProject(r.Context(), actor, projectID)
	})(w, r)
}

// CancelProject cancels an unassigned project.
func (s *Server) CancelProject(w http.ResponseWriter, r *http.Request) {
	s.projectAction(func(s *Server, r *http.Request, actor, projectID uuid.UUID) (*models.Project, error) {
		return s.machine.CancelProject(r.Context(), actor, projectID)
	})(w, r)
}

// KickOff removes the assigned contractor.
func (s *Server) KickOff(w http.ResponseWriter, r *http.Request) {
	s.projectAction(func(s *Server, r *http.Request, actor, projectID uuid.UUID) (*models.Project, error) {
		return s.machine.KickOffFreelancer(r.Context(), actor, projectID)
	})(w, r)
}

// CompleteProject releases the escrow and completes the project.
func (s *Server) CompleteProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FreelancerWallet string `json:"freelancer_wallet"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			badRequest(w, "invalid body")
			return
		}
	}
	s.projectAction(func(s *Server, r *http.Request, actor, projectID uuid.UUID) (*models.Project, error) {
		return s.machine.CompleteProject(r.Context(), actor, projectID, strings.TrimSpace(req.FreelancerWallet))
	})(w, r)
}

// DisputeProject freezes the project and its escrow.
func (s *Server) DisputeProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			badRequest(w, "invalid body")
			return
		}
	}
	s.projectAction(func(s *Server, r *http.Request, actor, projectID uuid.UUID) (*models.Project, error) {
		return s.machine.DisputeProject(r.Context(), actor, projectID, req.Reason)
	})(w, r)
}

// GetEscrow returns the escrow of a project.
func (s *Server) GetEscrow(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.caller(w, r)
	if !ok {
		return
	}
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	held, err := s.machine.Escrow(r.Context(), claims.Subject, projectID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, held)
}

// FundEscrow locks the project budget from the client's wallet session.
func (s *Server) FundEscrow(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.caller(w, r)
	if !ok {
		return
	}
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	var req struct {
		Currency      string `json:"currency"`
		ClientWallet  string `json:"client_wallet"`
		WalletSession string `json:"wallet_session"`
	}
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid body")
		return
	}
	currency, err := settlement.ParseCurrency(req.Currency)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if s.wallets == nil {
		http.Error(w, "wallet signing unavailable", http.StatusServiceUnavailable)
		return
	}
	payer, err := s.wallets.ForSession(req.WalletSession)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	funded, err := s.machine.FundProject(r.Context(), claims.Subject, lifecycle.FundRequest{
		ProjectID:    projectID,
		Currency:     currency,
		ClientWallet: strings.TrimSpace(req.ClientWallet),
		Payer:        payer,
	})
	if err != nil {
		if escrow.KindOf(err) == escrow.KindUnknownOutcome {
			s.logger.Warn("escrow funding pending",
				slog.String("project_id", projectID.String()),
				logging.MaskField("client_wallet", req.ClientWallet))
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, funded)
}

// SubmitProposal records a bid from the calling contractor.
func (s *Server) SubmitProposal(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.caller(w, r)
	if !ok {
		return
	}
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	var req struct {
		CoverLetter       string `json:"cover_letter"`
		ProposedBudget    string `json:"proposed_budget"`
		EstimatedTimeline string `json:"estimated_timeline"`
	}
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid body")
		return
	}
	proposal, err := s.machine.SubmitProposal(r.Context(), claims.Subject, projectID, lifecycle.ProposalInput{
		CoverLetter:       req.CoverLetter,
		ProposedBudget:    req.ProposedBudget,
		EstimatedTimeline: req.EstimatedTimeline,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, proposal)
}

// ListProposals returns every visible proposal to the client and only their own to a
// contractor.
func (s *Server) ListProposals(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.caller(w, r)
	if !ok {
		return
	}
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	project, err := s.machine.GetProject(r.Context(), projectID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	proposals, err := s.machine.ListProposals(r.Context(), projectID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if project.ClientID != claims.Subject && claims.Role != models.RoleAdmin {
		own := make([]models.Proposal, 0, 1)
		for _, p := range proposals {
			if p.FreelancerID == claims.Subject {
				own = append(own, p)
			}
		}
		proposals = own
	}
	writeJSON(w, http.StatusOK, proposals)
}

// AcceptProposal assigns the proposal's contractor.
func (s *Server) AcceptProposal(w http.ResponseWriter, r *http.Request) {
	proposalID, ok := pathID(w, r, "proposalID")
	if !ok {
		return
	}
	s.projectAction(func(s *Server, r *http.Request, actor, projectID uuid.UUID) (*models.Project, error) {
		return s.machine.AcceptProposal(r.Context(), actor, projectID, proposalID)
	})(w, r)
}

// RejectProposal deletes one proposal.
func (s *Server) RejectProposal(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.caller(w, r)
	if !ok {
		return
	}
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	proposalID, ok := pathID(w, r, "proposalID")
	if !ok {
		return
	}
	if err := s.machine.RejectProposal(r.Context(), claims.Subject, projectID, proposalID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SubmitWork records a deliverable from the assigned contractor.
func (s *Server) SubmitWork(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.caller(w, r)
	if !ok {
		return
	}
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	var req struct {
		Description string `json:"description"`
	}
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid body")
		return
	}
	submission, err := s.machine.SubmitWork(r.Context(), claims.Subject, projectID, req.Description)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, submission)
}

// ListSubmissions returns the work submissions of a project.
func (s *Server) ListSubmissions(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.caller(w, r)
	if !ok {
		return
	}
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	submissions, err := s.machine.ListSubmissions(r.Context(), claims.Subject, projectID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, submissions)
}

// ReviewWork approves or rejects a submission.
func (s *Server) ReviewWork(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.caller(w, r)
	if !ok {
		return
	}
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	submissionID, ok := pathID(w, r, "submissionID")
	if !ok {
		return
	}
	var req struct {
		Approve bool `json:"approve"`
	}
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid body")
		return
	}
	submission, err := s.machine.ReviewWork(r.Context(), claims.Subject, projectID, submissionID, req.Approve)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, submission)
}
