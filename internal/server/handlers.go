package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shopspring/decimal"

	"github.com/thiagosm89/lix-carbon/internal/domain"
	"github.com/thiagosm89/lix-carbon/internal/engine"
	"github.com/thiagosm89/lix-carbon/internal/engine/auth"
	"github.com/thiagosm89/lix-carbon/internal/repo"
	"github.com/thiagosm89/lix-carbon/internal/totem"
)

func parseDecimal(field, v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return decimal.Zero, domain.InvalidInputError{Field: field, Reason: "not a decimal number"}
	}
	return d, nil
}

type bodyOutput[T any] struct {
	Body T `json:"body"`
}

func ok[T any](v T) *bodyOutput[T] {
	return &bodyOutput[T]{Body: v}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[map[string]string], error) {
		return ok(map[string]string{"status": "ok"}), nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[WhoAmIResponse], error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles := principal.Roles
		if roles == nil {
			roles = []string{}
		}
		perms := principal.Permissions
		if perms == nil {
			perms = []string{}
		}
		return ok(WhoAmIResponse{ActorID: principal.ActorID, Roles: roles, Permissions: perms, Source: principal.Source}), nil
	})
}

func registerTokens(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "issue-token",
		Method:        http.MethodPost,
		Path:          "/tokens",
		Summary:       "Issue a token for a weighed deposit",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body IssueTokenRequest `json:"body"`
	}) (*bodyOutput[TokenResponse], error) {
		principal, err := requirePermission(ctx, auth.PermTokensIssue)
		if err != nil {
			return nil, handleError(err)
		}
		weight, err := parseDecimal("weight", input.Body.Weight)
		if err != nil {
			return nil, handleError(err)
		}
		tok, err := e.IssueToken(ctx, engine.TokenIssueOptions{
			Code:     input.Body.Code,
			Category: domain.Category(input.Body.Category),
			Weight:   weight,
			ActorID:  principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(tokenResponse(tok)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "totem-token",
		Method:        http.MethodPost,
		Path:          "/totem/tokens",
		Summary:       "Simulate a totem deposit with a random code, weight and category",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[TokenResponse], error) {
		principal, err := requirePermission(ctx, auth.PermTokensIssue)
		if err != nil {
			return nil, handleError(err)
		}
		tok, err := totem.Generator{Issuer: e, ActorID: principal.ActorID}.Generate(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(tokenResponse(tok)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tokens",
		Method:      http.MethodGet,
		Path:        "/tokens",
		Summary:     "List recently issued tokens",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"20"`
	}) (*bodyOutput[tokenList], error) {
		if _, err := requirePermission(ctx, auth.PermSettlementAdmin); err != nil {
			return nil, handleError(err)
		}
		tokens, err := e.ListRecentTokens(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		resp := tokenList{Items: make([]TokenResponse, 0, len(tokens))}
		for _, t := range tokens {
			resp.Items = append(resp.Items, tokenResponse(t))
		}
		return ok(resp), nil
	})
}

func registerRedemptions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "redeem-token",
		Method:        http.MethodPost,
		Path:          "/redemptions",
		Summary:       "Redeem a token into a validated waste record owned by the caller",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body RedeemRequest `json:"body"`
	}) (*bodyOutput[RecordResponse], error) {
		principal, err := requirePermission(ctx, auth.PermRecordsRedeem)
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := e.RegisterRedemption(ctx, principal.ActorID, input.Body.Code)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(recordResponse(rec)), nil
	})
}

func registerRecords(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "my-records",
		Method:      http.MethodGet,
		Path:        "/me/records",
		Summary:     "List the caller's records, newest first",
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[recordList], error) {
		principal, err := requirePermission(ctx, auth.PermRecordsRead)
		if err != nil {
			return nil, handleError(err)
		}
		recs, err := e.ListRecordsByOwner(ctx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(recordList{Items: recordResponses(recs)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "my-payments",
		Method:      http.MethodGet,
		Path:        "/me/payments",
		Summary:     "Pending, available and paid amounts for the caller",
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[PaymentSummaryResponse], error) {
		principal, err := requirePermission(ctx, auth.PermRecordsRead)
		if err != nil {
			return nil, handleError(err)
		}
		sum, err := e.OwnerPayments(ctx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(paymentSummaryResponse(sum)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "my-stats",
		Method:      http.MethodGet,
		Path:        "/me/stats",
		Summary:     "Deposit totals by category and status for the caller",
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[OwnerStatsResponse], error) {
		principal, err := requirePermission(ctx, auth.PermRecordsRead)
		if err != nil {
			return nil, handleError(err)
		}
		st, err := e.OwnerStats(ctx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(ownerStatsResponse(st)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-records",
		Method:      http.MethodGet,
		Path:        "/records",
		Summary:     "List records in a status, oldest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" required:"true" enum:"VALIDADO,ENVIADO_VALIDADORA,LIBERADO_PAGAMENTO,PAGO"`
	}) (*bodyOutput[recordList], error) {
		if _, err := requirePermission(ctx, auth.PermSettlementAdmin); err != nil {
			return nil, handleError(err)
		}
		recs, err := e.ListRecordsByStatus(ctx, domain.RecordStatus(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return ok(recordList{Items: recordResponses(recs)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-record",
		Method:      http.MethodGet,
		Path:        "/records/{id}",
		Summary:     "Get a record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*bodyOutput[RecordResponse], error) {
		principal, err := requirePermission(ctx, auth.PermRecordsRead)
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := e.GetRecord(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		// Other owners' records are reported as missing.
		if rec.OwnerID != principal.ActorID && !auth.Has(principal.Permissions, auth.PermSettlementAdmin) {
			return nil, handleError(domain.RecordNotFoundError{ID: input.ID})
		}
		return ok(recordResponse(rec)), nil
	})
}

func registerLots(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-lot",
		Method:        http.MethodPost,
		Path:          "/lots",
		Summary:       "Batch the oldest validated records under a weight ceiling",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateLotRequest `json:"body"`
	}) (*bodyOutput[LotDetailResponse], error) {
		principal, err := requirePermission(ctx, auth.PermSettlementAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		ceiling, err := parseDecimal("weight_ceiling", input.Body.WeightCeiling)
		if err != nil {
			return nil, handleError(err)
		}
		detail, err := e.CreateLot(ctx, engine.LotCreateOptions{WeightCeiling: ceiling, ActorID: principal.ActorID})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(lotDetailResponse(detail)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-lots",
		Method:      http.MethodGet,
		Path:        "/lots",
		Summary:     "List lots, newest first",
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[lotList], error) {
		if _, err := requirePermission(ctx, auth.PermSettlementAdmin); err != nil {
			return nil, handleError(err)
		}
		lots, err := e.ListLots(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := lotList{Items: make([]LotResponse, 0, len(lots))}
		for _, l := range lots {
			resp.Items = append(resp.Items, lotResponse(l))
		}
		return ok(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lot-stats",
		Method:      http.MethodGet,
		Path:        "/lots/stats",
		Summary:     "Lot totals",
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[LotStatsResponse], error) {
		if _, err := requirePermission(ctx, auth.PermSettlementAdmin); err != nil {
			return nil, handleError(err)
		}
		s, err := e.LotStats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(LotStatsResponse{
			Total:       s.Total,
			Pending:     s.Pending,
			Paid:        s.Paid,
			TotalWeight: str(s.TotalWeight),
			TotalValue:  str(s.TotalValue),
		}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-lot",
		Method:      http.MethodGet,
		Path:        "/lots/{id}",
		Summary:     "Get a lot with its member records",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*bodyOutput[LotDetailResponse], error) {
		if _, err := requirePermission(ctx, auth.PermSettlementAdmin); err != nil {
			return nil, handleError(err)
		}
		detail, err := e.GetLot(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(lotDetailResponse(detail)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "settle-lot",
		Method:      http.MethodPost,
		Path:        "/lots/{id}/settlement",
		Summary:     "Apply the validator's payment and release member shares",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body SettleLotRequest `json:"body"`
	}) (*bodyOutput[SettlementResponse], error) {
		principal, err := requirePermission(ctx, auth.PermSettlementAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		amount, err := parseDecimal("amount_paid", input.Body.AmountPaid)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.SettleLot(ctx, input.ID, amount, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(settlementResponse(res)), nil
	})
}

func registerPayments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "process-payments",
		Method:      http.MethodPost,
		Path:        "/payments",
		Summary:     "Pay released records to their owners",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body ProcessPaymentsRequest `json:"body"`
	}) (*bodyOutput[PaymentResponse], error) {
		principal, err := requirePermission(ctx, auth.PermSettlementAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.ProcessPayments(ctx, input.Body.RecordIDs, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(PaymentResponse{TotalPaid: str(res.TotalPaid), Records: recordResponses(res.Records)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "payable-records",
		Method:      http.MethodGet,
		Path:        "/payments/payable",
		Summary:     "Released records grouped by owner",
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[PayablesResponse], error) {
		if _, err := requirePermission(ctx, auth.PermSettlementAdmin); err != nil {
			return nil, handleError(err)
		}
		p, err := e.PayablesByOwner(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(payablesResponse(p)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "payment-history",
		Method:      http.MethodGet,
		Path:        "/payments/history",
		Summary:     "Paid records, newest first",
	}, func(ctx context.Context, input *struct {
		OwnerID string `query:"owner_id"`
	}) (*bodyOutput[recordList], error) {
		if _, err := requirePermission(ctx, auth.PermSettlementAdmin); err != nil {
			return nil, handleError(err)
		}
		recs, err := e.PaidRecords(ctx, input.OwnerID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(recordList{Items: recordResponses(recs)}), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"token,record,lot,api_key"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*bodyOutput[paginatedEvents], error) {
		if _, err := requirePermission(ctx, auth.PermEventsRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := e.ListEvents(ctx, repo.EventFilter{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     before,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return ok(resp), nil
	})
}
