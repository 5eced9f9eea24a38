package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/thiagosm89/lix-carbon/internal/config"
	"github.com/thiagosm89/lix-carbon/internal/credit"
	"github.com/thiagosm89/lix-carbon/internal/db"
	"github.com/thiagosm89/lix-carbon/internal/domain"
	"github.com/thiagosm89/lix-carbon/internal/events"
	"github.com/thiagosm89/lix-carbon/internal/metrics"
	"github.com/thiagosm89/lix-carbon/internal/repo"
	"github.com/thiagosm89/lix-carbon/internal/settle"
)

var log = logging.Logger("engine")

// Engine runs every settlement operation as a single transaction against the store.
type Engine struct {
	DB      *sql.DB
	Dialect db.Dialect
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Now     func() time.Time
}

func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config) Engine {
	return Engine{
		DB:      conn,
		Dialect: dialect,
		Repo:    repo.Repo{DB: conn, Dialect: dialect},
		Events:  events.Writer{Dialect: dialect},
		Config:  cfg,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return domain.FormatTime(e.now())
}

func (e Engine) companySharePercent() decimal.Decimal {
	if e.Config == nil {
		return settle.DefaultCompanySharePercent
	}
	return e.Config.CompanySharePercent()
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	w.Now = e.now
	if err := w.Append(ctx, tx, evtType, entityKind, entityID, actorID, payload); err != nil {
		return domain.Persistence("append "+evtType+" event", err)
	}
	return nil
}

func (e Engine) begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.Persistence("begin transaction", err)
	}
	return tx, nil
}

func commit(tx *sql.Tx) error {
	return domain.Persistence("commit", tx.Commit())
}

func conflict(ctx context.Context, op string, attrs ...any) error {
	metrics.Conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	log.Warnw("concurrent update lost", append([]any{"op", op}, attrs...)...)
	return domain.Persistence(op, domain.ErrConflict)
}

// ensureRecordTransition rejects any write that would not move a record exactly one step forward.
func ensureRecordTransition(from, to domain.RecordStatus) error {
	if !domain.CanTransition(from, to) {
		return domain.TransitionError{Kind: "record", From: string(from), To: string(to)}
	}
	return nil
}

func validCode(code string) bool {
	if len(code) != 6 {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// TokenIssueOptions are parameters for issuing a token at a totem.
type TokenIssueOptions struct {
	Code     string
	Category domain.Category
	Weight   decimal.Decimal
	ActorID  string
}

// IssueToken records a deposit weighed by a totem as an outstanding token.
func (e Engine) IssueToken(ctx context.Context, opts TokenIssueOptions) (domain.Token, error) {
	if !validCode(opts.Code) {
		return domain.Token{}, domain.InvalidInputError{Field: "code", Reason: "must be 6 digits"}
	}
	if !opts.Category.Valid() {
		return domain.Token{}, domain.InvalidInputError{Field: "category", Reason: "unknown category " + string(opts.Category)}
	}
	if !opts.Weight.IsPositive() {
		return domain.Token{}, domain.InvalidInputError{Field: "weight", Reason: "must be greater than zero"}
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Token{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.FindRedeemableToken(ctx, tx, opts.Code); err == nil {
		return domain.Token{}, domain.InvalidInputError{Field: "code", Reason: "an outstanding token already uses this code"}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Token{}, domain.Persistence("find token", err)
	}
	t := domain.Token{
		Code:     opts.Code,
		Category: opts.Category,
		Weight:   opts.Weight,
		IssuedAt: e.stamp(),
	}
	if err := e.Repo.InsertToken(ctx, tx, t); err != nil {
		// another transaction issued the same code between the lookup and the insert
		if db.IsUniqueViolation(err) {
			return domain.Token{}, domain.InvalidInputError{Field: "code", Reason: "an outstanding token already uses this code"}
		}
		return domain.Token{}, domain.Persistence("insert token", err)
	}
	if err := e.appendEvent(ctx, tx, events.TokenIssued, "token", t.Code, opts.ActorID, events.EventPayload{
		"category": t.Category,
		"weight":   t.Weight,
	}); err != nil {
		return domain.Token{}, err
	}
	if err := commit(tx); err != nil {
		return domain.Token{}, err
	}
	metrics.TokensIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("category", string(t.Category))))
	log.Debugw("token issued", "code", t.Code, "category", t.Category, "weight", t.Weight)
	return t, nil
}

// ListRecentTokens returns the latest issued tokens, newest first.
func (e Engine) ListRecentTokens(ctx context.Context, limit int) ([]domain.Token, error) {
	if limit <= 0 {
		limit = 20
	}
	tokens, err := e.Repo.ListRecentTokens(ctx, limit)
	return tokens, domain.Persistence("list tokens", err)
}

// RegisterRedemption converts an outstanding token into a VALIDADO record owned by ownerID.
// Unknown and already redeemed codes are reported the same way.
func (e Engine) RegisterRedemption(ctx context.Context, ownerID, code string) (domain.WasteRecord, error) {
	ownerID = strings.TrimSpace(ownerID)
	code = strings.TrimSpace(code)
	if ownerID == "" {
		return domain.WasteRecord{}, domain.InvalidInputError{Field: "owner_id", Reason: "required"}
	}
	if code == "" {
		return domain.WasteRecord{}, domain.InvalidInputError{Field: "code", Reason: "required"}
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.WasteRecord{}, err
	}
	defer tx.Rollback()

	tok, err := e.Repo.FindRedeemableToken(ctx, tx, code)
	if errors.Is(err, repo.ErrNotFound) {
		metrics.RedemptionsRejected.Add(ctx, 1)
		return domain.WasteRecord{}, domain.TokenNotFoundError{Code: code}
	}
	if err != nil {
		return domain.WasteRecord{}, domain.Persistence("find token", err)
	}
	amount, err := credit.Compute(tok.Weight, tok.Category)
	if err != nil {
		return domain.WasteRecord{}, err
	}
	now := e.stamp()
	rec := domain.WasteRecord{
		ID:                 uuid.NewString(),
		OwnerID:            ownerID,
		TokenCode:          tok.Code,
		Category:           tok.Category,
		Weight:             tok.Weight,
		Credit:             amount,
		ProportionalPayout: decimal.Zero,
		Status:             domain.StatusValidated,
		CreatedAt:          now,
		ValidatedAt:        now,
	}
	if err := e.Repo.InsertRecord(ctx, tx, rec); err != nil {
		return domain.WasteRecord{}, domain.Persistence("insert record", err)
	}
	ok, err := e.Repo.MarkTokenRedeemed(ctx, tx, code, ownerID, now)
	if err != nil {
		return domain.WasteRecord{}, domain.Persistence("mark token redeemed", err)
	}
	if !ok {
		metrics.RedemptionsRejected.Add(ctx, 1)
		return domain.WasteRecord{}, domain.TokenNotFoundError{Code: code}
	}
	if err := e.appendEvent(ctx, tx, events.TokenRedeemed, "token", code, ownerID, events.EventPayload{
		"record_id": rec.ID,
	}); err != nil {
		return domain.WasteRecord{}, err
	}
	if err := e.appendEvent(ctx, tx, events.RecordValidated, "record", rec.ID, ownerID, events.EventPayload{
		"owner_id": rec.OwnerID,
		"category": rec.Category,
		"weight":   rec.Weight,
		"credit":   rec.Credit,
	}); err != nil {
		return domain.WasteRecord{}, err
	}
	if err := commit(tx); err != nil {
		return domain.WasteRecord{}, err
	}
	metrics.TokensRedeemed.Add(ctx, 1, metric.WithAttributes(attribute.String("category", string(rec.Category))))
	log.Infow("token redeemed", "record", rec.ID, "owner", ownerID, "weight", rec.Weight, "credit", rec.Credit)
	return rec, nil
}

// ListRecordsByOwner returns an owner's records, newest first.
func (e Engine) ListRecordsByOwner(ctx context.Context, ownerID string) ([]domain.WasteRecord, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, domain.InvalidInputError{Field: "owner_id", Reason: "required"}
	}
	recs, err := e.Repo.ListRecords(ctx, nil, repo.RecordFilter{OwnerID: ownerID, NewestFirst: true})
	return recs, domain.Persistence("list records", err)
}

// ListRecordsByStatus returns records in the given status, oldest first.
func (e Engine) ListRecordsByStatus(ctx context.Context, status domain.RecordStatus) ([]domain.WasteRecord, error) {
	if !status.Valid() {
		return nil, domain.InvalidInputError{Field: "status", Reason: "unknown status " + string(status)}
	}
	recs, err := e.Repo.ListRecords(ctx, nil, repo.RecordFilter{Status: status})
	return recs, domain.Persistence("list records", err)
}

func (e Engine) GetRecord(ctx context.Context, id string) (domain.WasteRecord, error) {
	rec, err := e.Repo.GetRecord(ctx, nil, id)
	if errors.Is(err, repo.ErrNotFound) {
		return rec, domain.RecordNotFoundError{ID: id}
	}
	return rec, domain.Persistence("get record", err)
}
