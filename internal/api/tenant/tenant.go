package tenant

import (
	"context"
	"crypto/ed25519"
	"errors"
	"log/slog"
	"strings"

	"github.com/cuongbtq/rate-bulk/internal/api/domain"
	"github.com/cuongbtq/rate-bulk/shared/clock"
	"github.com/cuongbtq/rate-bulk/shared/servicetoken"
)

const bearerPrefix = "bearer "

// TokenVerifier validates a raw bearer token
type TokenVerifier interface {
	Verify(token string) (*servicetoken.Token, error)
}

// CompanyStore loads tenants. It returns domain.ErrCompanyNotFound for
// unknown ids.
type CompanyStore interface {
	GetCompany(ctx context.Context, companyID string) (*domain.Company, error)
}

// SignedTokenVerifier checks Ed25519 signed service tokens
type SignedTokenVerifier struct {
	publicKey ed25519.PublicKey
	audience  string
	clock     clock.Clock
}

func NewSignedTokenVerifier(publicKey ed25519.PublicKey, audience string, clk clock.Clock) *SignedTokenVerifier {
	return &SignedTokenVerifier{publicKey: publicKey, audience: audience, clock: clk}
}

func (v *SignedTokenVerifier) Verify(token string) (*servicetoken.Token, error) {
	return servicetoken.VerifyAt(v.publicKey, token, v.audience, v.clock.Now())
}

// Resolver maps a bearer token to an active company
type Resolver struct {
	verifier TokenVerifier
	store    CompanyStore
	logger   *slog.Logger
}

func NewResolver(verifier TokenVerifier, store CompanyStore, logger *slog.Logger) *Resolver {
	return &Resolver{verifier: verifier, store: store, logger: logger}
}

// Resolve authenticates the Authorization header value and returns the
// caller with its company.
func (r *Resolver) Resolve(ctx context.Context, authorization string) (*domain.Caller, error) {
	raw, ok := bearerToken(authorization)
	if !ok {
		return nil, domain.Unauthorized("missing or malformed bearer token", nil)
	}

	token, err := r.verifier.Verify(raw)
	if err != nil {
		r.logger.Debug("Bearer token rejected", slog.Any("error", err))
		return nil, domain.Unauthorized("invalid or expired token", err)
	}

	company, err := r.store.GetCompany(ctx, token.CompanyID)
	if err != nil {
		if errors.Is(err, domain.ErrCompanyNotFound) {
			return nil, domain.CompanyNotFound(token.CompanyID)
		}
		return nil, domain.Internal("failed to load company", err)
	}

	if !company.Active() {
		r.logger.Info("Rejected request from inactive company",
			slog.String("company_id", company.ID),
			slog.String("status", company.Status),
		)
		return nil, domain.AccountSuspended(company.ID)
	}

	return &domain.Caller{UserID: token.Subject, Company: company}, nil
}

func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	return token, token != ""
}
