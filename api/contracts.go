package api

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"commitflow/contract"
	"commitflow/logger"
)

// Agreements saved without a deadline run for this long.
const defaultTerm = 30 * 24 * time.Hour

func (s *Server) createContract(c *gin.Context) {
	var req contractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	params, ok := createParams(c, req, false)
	if !ok {
		return
	}
	created, err := s.deps.Contracts.Create(c.Request.Context(), userID(c), params)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toContractResponse(created))
}

// createParams checks presence of the required fields. With defaults set the
// dates fall back to now and now plus the default term.
func createParams(c *gin.Context, req contractRequest, defaults bool) (contract.CreateParams, bool) {
	var p contract.CreateParams
	if req.Title == nil {
		badRequest(c, "title is required")
		return p, false
	}
	amount := req.amount()
	if amount == nil {
		badRequest(c, "amount is required")
		return p, false
	}
	start, end := req.startDate(), req.endDate()
	if defaults {
		now := time.Now().UTC()
		if start == nil {
			start = &now
		}
		if end == nil {
			later := now.Add(defaultTerm)
			end = &later
		}
	}
	if start == nil || end == nil {
		badRequest(c, "startDate and endDate are required")
		return p, false
	}
	p = contract.CreateParams{
		Title:     *req.Title,
		Amount:    amount.Round(2),
		StartDate: *start,
		EndDate:   *end,
	}
	if req.Description != nil {
		p.Description = *req.Description
	}
	if req.EvidenceRequired != nil {
		p.EvidenceRequired = *req.EvidenceRequired
	}
	return p, true
}

func (s *Server) listContracts(c *gin.Context) {
	list, err := s.deps.Contracts.List(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	resp := make([]contractResponse, 0, len(list))
	for _, item := range list {
		resp = append(resp, toContractResponse(item))
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getContract(c *gin.Context) {
	found, err := s.deps.Contracts.Get(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toContractResponse(found))
}

func (s *Server) updateContract(c *gin.Context) {
	var req contractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.EvidenceRequired != nil {
		badRequest(c, "evidenceRequired cannot be changed after creation")
		return
	}
	updated, err := s.deps.Contracts.Update(c.Request.Context(), c.Param("id"), userID(c), req.patch())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toContractResponse(updated))
}

func (s *Server) deleteContract(c *gin.Context) {
	if err := s.deps.Contracts.Delete(c.Request.Context(), c.Param("id"), userID(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) cancelContract(c *gin.Context) {
	cancelled, err := s.deps.Contracts.Cancel(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toContractResponse(cancelled))
}

func (s *Server) completeContract(c *gin.Context) {
	done, err := s.deps.Contracts.RequestCompletion(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toCompletionResponse(done))
}

func (s *Server) submitEvidence(c *gin.Context) {
	if s.cfg.MaxBodyBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes)
	}
	fh, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "multipart field \"file\" is required")
		return
	}
	f, err := fh.Open()
	if err != nil {
		badRequest(c, "unreadable upload")
		return
	}
	defer f.Close()

	done, err := s.deps.Contracts.SubmitEvidence(c.Request.Context(), c.Param("id"), userID(c), contract.EvidenceUpload{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
		Body:        f,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toCompletionResponse(done))
}

func (s *Server) contractEvents(c *gin.Context) {
	events, err := s.deps.Contracts.Events(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	resp := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		resp = append(resp, toEventResponse(ev))
	}
	c.JSON(http.StatusOK, resp)
}

// previewPDF renders the form state without persisting anything.
func (s *Server) previewPDF(c *gin.Context) {
	var req savePDFRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	params, ok := createParams(c, req.form(), true)
	if !ok {
		return
	}
	now := time.Now().UTC()
	pdf, err := s.deps.Render(contract.Contract{
		OwnerID:          userID(c),
		Title:            params.Title,
		Description:      params.Description,
		Amount:           params.Amount,
		StartDate:        params.StartDate,
		EndDate:          params.EndDate,
		Status:           contract.StatusDraft,
		EvidenceRequired: params.EvidenceRequired,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pdfBase64": base64.StdEncoding.EncodeToString(pdf)})
}

// savePDF creates a draft contract from the agreement form and stores its
// rendered document.
func (s *Server) savePDF(c *gin.Context) {
	var req savePDFRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	params, ok := createParams(c, req.form(), true)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	created, err := s.deps.Contracts.Create(ctx, userID(c), params)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{"success": true, "contractId": created.ID, "documentStored": false}
	if !s.deps.DocumentsEnabled || s.deps.Render == nil {
		c.JSON(http.StatusCreated, resp)
		return
	}
	pdf, err := s.deps.Render(created)
	if err == nil {
		var url string
		url, err = s.deps.Contracts.AttachDocument(ctx, created.ID, userID(c), pdf)
		if err == nil {
			resp["documentStored"] = true
			resp["documentUrl"] = url
		}
	}
	if err != nil {
		logger.FromContext(ctx, log).WithError(err).WithField("contract_id", created.ID).
			Warn("Contract saved without its document")
	}
	c.JSON(http.StatusCreated, resp)
}
