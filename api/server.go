// Package api exposes the contract, payment and webhook operations over HTTP.
package api

import (
	"context"
	"net/http"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"commitflow/auth"
	"commitflow/config"
	"commitflow/contract"
	"commitflow/logger"
	"commitflow/payment"
	"commitflow/provider"
	"commitflow/webhook"
)

var log = logger.NewSublogger("api")

type ContractService interface {
	Create(ctx context.Context, ownerID string, params contract.CreateParams) (contract.Contract, error)
	List(ctx context.Context, ownerID string) ([]contract.Contract, error)
	Get(ctx context.Context, id, ownerID string) (contract.Contract, error)
	Events(ctx context.Context, id, ownerID string) ([]contract.Event, error)
	Update(ctx context.Context, id, ownerID string, patch contract.Patch) (contract.Contract, error)
	Delete(ctx context.Context, id, ownerID string) error
	Cancel(ctx context.Context, id, ownerID string) (contract.Contract, error)
	RequestCompletion(ctx context.Context, id, ownerID string) (contract.Completion, error)
	SubmitEvidence(ctx context.Context, id, ownerID string, upload contract.EvidenceUpload) (contract.Completion, error)
	AttachDocument(ctx context.Context, id, ownerID string, pdf []byte) (string, error)
}

type PaymentService interface {
	CreatePaymentIntent(ctx context.Context, req payment.IntentRequest) (payment.IntentResult, error)
	IntentForOwner(ctx context.Context, intentID, ownerID string) (provider.PaymentIntent, error)
}

type WebhookIngestor interface {
	Ingest(ctx context.Context, payload []byte, signature string) (webhook.Result, error)
}

type TokenVerifier interface {
	VerifyToken(token string) (string, error)
}

type Authenticator interface {
	TokenVerifier
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Renderer turns a contract into its printable PDF form.
type Renderer func(c contract.Contract) ([]byte, error)

type Dependencies struct {
	Contracts ContractService
	Payments  PaymentService
	Webhooks  WebhookIngestor
	Auth      Authenticator
	// DB is optional, health reports ok without it
	DB     Pinger
	Render Renderer
	// DocumentsEnabled turns on storing rendered agreements on save-pdf
	DocumentsEnabled bool
}

type Server struct {
	cfg  config.HTTP
	deps Dependencies
}

func NewServer(cfg config.HTTP, deps Dependencies) *Server {
	return &Server{cfg: cfg, deps: deps}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(RequestID(), Recovery(log), RequestLogger(log))

	if s.cfg.EnablePprof {
		pprof.Register(r)
	}

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// provider deliveries are not rate limited, the provider retries on 429 anyway
	r.POST("/payments/webhook", s.webhook)

	limited := r.Group("/", RateLimit(s.cfg.RateLimit, s.cfg.RateBurst))
	limited.POST("/auth/register", s.register)
	limited.POST("/auth/login", s.login)

	authed := limited.Group("/", Auth(s.deps.Auth))
	authed.POST("/contracts", s.createContract)
	authed.GET("/contracts", s.listContracts)
	authed.POST("/contracts/preview-pdf", s.previewPDF)
	authed.GET("/contracts/:id", s.getContract)
	authed.PATCH("/contracts/:id", s.updateContract)
	authed.DELETE("/contracts/:id", s.deleteContract)
	authed.POST("/contracts/:id/cancel", s.cancelContract)
	authed.POST("/contracts/:id/complete", s.completeContract)
	authed.POST("/contracts/:id/evidence", s.submitEvidence)
	authed.GET("/contracts/:id/events", s.contractEvents)
	authed.POST("/save-pdf", s.savePDF)

	authed.POST("/payments", s.createPayment)
	authed.GET("/payments/:intentId", s.getPayment)

	return r
}

func (s *Server) Handler() http.Handler {
	return s.Router()
}

func (s *Server) health(c *gin.Context) {
	if s.deps.DB != nil {
		if err := s.deps.DB.Ping(c.Request.Context()); err != nil {
			logger.FromContext(c.Request.Context(), log).WithError(err).Warn("Health check failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
