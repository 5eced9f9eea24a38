package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thiagosm89/lix-carbon/internal/config"
	"github.com/thiagosm89/lix-carbon/internal/db"
	"github.com/thiagosm89/lix-carbon/internal/domain"
	"github.com/thiagosm89/lix-carbon/internal/engine"
	"github.com/thiagosm89/lix-carbon/internal/migrate"
	"github.com/thiagosm89/lix-carbon/internal/repo"
	"github.com/thiagosm89/lix-carbon/internal/settle"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

// tickingClock advances one millisecond per reading so creation order is strict.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	cur := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		cur = cur.Add(time.Millisecond)
		return cur
	}
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	eng := engine.New(conn, db.SQLite, config.Default())
	eng.Now = tickingClock()
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), append([]any{fmt.Sprintf("want %s, got %s", want, got)}, msgAndArgs...)...)
}

func (env testEnv) issue(t *testing.T, code string, cat domain.Category, weight string) domain.Token {
	t.Helper()
	tok, err := env.Engine.IssueToken(env.Ctx, engine.TokenIssueOptions{Code: code, Category: cat, Weight: dec(weight), ActorID: "totem-01"})
	require.NoError(t, err)
	return tok
}

func (env testEnv) deposit(t *testing.T, owner, code string, cat domain.Category, weight string) domain.WasteRecord {
	t.Helper()
	env.issue(t, code, cat, weight)
	rec, err := env.Engine.RegisterRedemption(env.Ctx, owner, code)
	require.NoError(t, err)
	return rec
}

func TestRedeemRecyclableToken(t *testing.T) {
	env := newTestEnv(t)
	env.issue(t, "789012", domain.CategoryRecyclable, "180.0")

	rec, err := env.Engine.RegisterRedemption(env.Ctx, "company-a", "789012")
	require.NoError(t, err)
	assertDec(t, "18", rec.Credit)
	assert.Equal(t, domain.StatusValidated, rec.Status)
	assert.Equal(t, "company-a", rec.OwnerID)
	assert.Nil(t, rec.LotID)
	assert.Equal(t, rec.CreatedAt, rec.ValidatedAt)

	stored, err := env.Engine.GetRecord(env.Ctx, rec.ID)
	require.NoError(t, err)
	assertDec(t, "180", stored.Weight)
	assertDec(t, "0", stored.ProportionalPayout)
}

func TestRedeemOrganicToken(t *testing.T) {
	env := newTestEnv(t)
	rec := env.deposit(t, "company-a", "123456", domain.CategoryOrganic, "42.5")
	assertDec(t, "2.125", rec.Credit)
}

func TestRedeemTwiceIsTokenNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, "company-a", "111111", domain.CategoryRecyclable, "10")

	_, err := env.Engine.RegisterRedemption(env.Ctx, "company-b", "111111")
	var notFound domain.TokenNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "111111", notFound.Code)

	_, err = env.Engine.RegisterRedemption(env.Ctx, "company-b", "999999")
	require.ErrorAs(t, err, &notFound)

	recs, err := env.Engine.ListRecordsByOwner(env.Ctx, "company-b")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestConcurrentRedemptionSucceedsOnce(t *testing.T) {
	env := newTestEnv(t)
	env.issue(t, "424242", domain.CategoryRecyclable, "55")

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		rejected  int
		other     []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.Engine.RegisterRedemption(env.Ctx, fmt.Sprintf("owner-%d", i), "424242")
			mu.Lock()
			defer mu.Unlock()
			var notFound domain.TokenNotFoundError
			switch {
			case err == nil:
				successes++
			case errors.As(err, &notFound):
				rejected++
			default:
				other = append(other, err)
			}
		}(i)
	}
	wg.Wait()
	assert.Empty(t, other)
	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, rejected)

	recs, err := env.Engine.ListRecordsByStatus(env.Ctx, domain.StatusValidated)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestConcurrentCreateLotNeverSharesRecords(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 20; i++ {
		env.deposit(t, fmt.Sprintf("company-%d", i%3), fmt.Sprintf("%06d", 500000+i), domain.CategoryRecyclable, "10")
	}

	const n = 8
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		lots       []engine.LotDetail
		noEligible int
		other      []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			detail, err := env.Engine.CreateLot(env.Ctx, engine.LotCreateOptions{WeightCeiling: dec("30"), ActorID: "operator"})
			mu.Lock()
			defer mu.Unlock()
			var none domain.NoEligibleRecordsError
			switch {
			case err == nil:
				lots = append(lots, detail)
			case errors.As(err, &none), errors.Is(err, domain.ErrConflict):
				noEligible++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()
	assert.Empty(t, other)
	assert.Equal(t, n, len(lots)+noEligible)

	seen := map[string]string{}
	for _, l := range lots {
		weight := decimal.Zero
		for _, rec := range l.Records {
			prev, dup := seen[rec.ID]
			assert.False(t, dup, "record %s in lots %s and %s", rec.ID, prev, l.Lot.ID)
			seen[rec.ID] = l.Lot.ID
			weight = weight.Add(rec.Weight)
		}
		assertDec(t, l.Lot.WeightUsed.String(), weight)
		assert.Equal(t, len(l.Records), l.Lot.RecordCount)
	}
	assert.Len(t, seen, 20)

	left, err := env.Engine.ListRecordsByStatus(env.Ctx, domain.StatusValidated)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestConcurrentSettleLotSucceedsOnce(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, "company-a", "610001", domain.CategoryRecyclable, "300")
	env.deposit(t, "company-b", "610002", domain.CategoryRecyclable, "700")
	detail, err := env.Engine.CreateLot(env.Ctx, engine.LotCreateOptions{WeightCeiling: dec("1000"), ActorID: "operator"})
	require.NoError(t, err)

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		settled   int
		other     []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.SettleLot(env.Ctx, detail.Lot.ID, dec("100"), "operator")
			mu.Lock()
			defer mu.Unlock()
			var already domain.LotAlreadySettledError
			switch {
			case err == nil:
				successes++
			case errors.As(err, &already):
				assert.Equal(t, domain.LotPaidByValidator, already.Status)
				settled++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()
	assert.Empty(t, other)
	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, settled)

	got, err := env.Engine.GetLot(env.Ctx, detail.Lot.ID)
	require.NoError(t, err)
	assertDec(t, "100", got.Lot.AmountPaid)
	total := decimal.Zero
	for _, rec := range got.Records {
		assert.Equal(t, domain.StatusReleased, rec.Status)
		total = total.Add(rec.ProportionalPayout)
	}
	assertDec(t, "80", total)
}

func TestReissueAfterRedemption(t *testing.T) {
	env := newTestEnv(t)
	env.issue(t, "222222", domain.CategoryOrganic, "10")

	_, err := env.Engine.IssueToken(env.Ctx, engine.TokenIssueOptions{Code: "222222", Category: domain.CategoryOrganic, Weight: dec("5")})
	var invalid domain.InvalidInputError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "code", invalid.Field)

	_, err = env.Engine.RegisterRedemption(env.Ctx, "company-a", "222222")
	require.NoError(t, err)
	env.issue(t, "222222", domain.CategoryRecyclable, "20")

	rec, err := env.Engine.RegisterRedemption(env.Ctx, "company-b", "222222")
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryRecyclable, rec.Category)
}

func TestIssueTokenValidation(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name  string
		opts  engine.TokenIssueOptions
		field string
	}{
		{"short code", engine.TokenIssueOptions{Code: "12345", Category: domain.CategoryOrganic, Weight: dec("1")}, "code"},
		{"letters", engine.TokenIssueOptions{Code: "12a456", Category: domain.CategoryOrganic, Weight: dec("1")}, "code"},
		{"category", engine.TokenIssueOptions{Code: "123456", Category: "METAL", Weight: dec("1")}, "category"},
		{"zero weight", engine.TokenIssueOptions{Code: "123456", Category: domain.CategoryOrganic, Weight: dec("0")}, "weight"},
		{"negative weight", engine.TokenIssueOptions{Code: "123456", Category: domain.CategoryOrganic, Weight: dec("-3")}, "weight"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.Engine.IssueToken(env.Ctx, tt.opts)
			var invalid domain.InvalidInputError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, tt.field, invalid.Field)
		})
	}
}

func TestIssueTokenLosingInsertRaceIsCodeClash(t *testing.T) {
	env := newTestEnv(t)
	// a competing totem commits the same code after the outstanding lookup ran
	_, err := env.Engine.DB.Exec(`CREATE TRIGGER competing_issue BEFORE INSERT ON waste_tokens
WHEN NEW.code = '777777' AND NOT EXISTS (SELECT 1 FROM waste_tokens WHERE code = '777777' AND redeemed = 0)
BEGIN
  INSERT INTO waste_tokens(code, category, weight, redeemed, issued_at)
  VALUES ('777777', 'ORGANICO', '1', 0, '2024-01-01T00:00:00.000000000Z');
END`)
	require.NoError(t, err)

	_, err = env.Engine.IssueToken(env.Ctx, engine.TokenIssueOptions{Code: "777777", Category: domain.CategoryRecyclable, Weight: dec("5"), ActorID: "totem-01"})
	var invalid domain.InvalidInputError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "code", invalid.Field)
	var persistence domain.PersistenceError
	assert.False(t, errors.As(err, &persistence))
}

func TestCreateLotTakesOldestPrefix(t *testing.T) {
	env := newTestEnv(t)
	r1 := env.deposit(t, "a", "100001", domain.CategoryRecyclable, "100")
	r2 := env.deposit(t, "b", "100002", domain.CategoryRecyclable, "100")
	r3 := env.deposit(t, "c", "100003", domain.CategoryRecyclable, "100")

	detail, err := env.Engine.CreateLot(env.Ctx, engine.LotCreateOptions{WeightCeiling: dec("250"), ActorID: "admin"})
	require.NoError(t, err)
	assertDec(t, "200", detail.Lot.WeightUsed)
	assert.Equal(t, 2, detail.Lot.RecordCount)
	assert.Equal(t, domain.LotPendingValidator, detail.Lot.Status)
	assertDec(t, "20", detail.Lot.CompanySharePercent)
	require.Len(t, detail.Records, 2)
	assert.Equal(t, r1.ID, detail.Records[0].ID)
	assert.Equal(t, r2.ID, detail.Records[1].ID)

	left, err := env.Engine.GetRecord(env.Ctx, r3.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusValidated, left.Status)
	assert.Nil(t, left.LotID)

	got, err := env.Engine.GetLot(env.Ctx, detail.Lot.ID)
	require.NoError(t, err)
	require.Len(t, got.Records, 2)
	sum := decimal.Zero
	for _, rec := range got.Records {
		assert.Equal(t, domain.StatusSentToValidator, rec.Status)
		require.NotNil(t, rec.LotID)
		assert.Equal(t, detail.Lot.ID, *rec.LotID)
		sum = sum.Add(rec.Weight)
	}
	assert.True(t, sum.Equal(got.Lot.WeightUsed))
}

func TestCreateLotFirstRecordOverCeiling(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, "a", "200001", domain.CategoryOrganic, "500")

	detail, err := env.Engine.CreateLot(env.Ctx, engine.LotCreateOptions{WeightCeiling: dec("100")})
	require.NoError(t, err)
	assertDec(t, "500", detail.Lot.WeightUsed)
	assert.Equal(t, 1, detail.Lot.RecordCount)
}

func TestCreateLotPreconditions(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateLot(env.Ctx, engine.LotCreateOptions{WeightCeiling: dec("100")})
	assert.ErrorAs(t, err, &domain.NoEligibleRecordsError{})

	_, err = env.Engine.CreateLot(env.Ctx, engine.LotCreateOptions{WeightCeiling: dec("0")})
	var invalid domain.InvalidInputError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "weight_ceiling", invalid.Field)

	lots, err := env.Engine.ListLots(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, lots)
}

func TestCreateLotUsesConfiguredShare(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Settlement.CompanySharePercent = "12.5"
	env.deposit(t, "a", "300001", domain.CategoryOrganic, "10")

	detail, err := env.Engine.CreateLot(env.Ctx, engine.LotCreateOptions{WeightCeiling: dec("100")})
	require.NoError(t, err)
	assertDec(t, "12.5", detail.Lot.CompanySharePercent)
}

func TestSettleLotSplitsByWeight(t *testing.T) {
	env := newTestEnv(t)
	r1 := env.deposit(t, "a", "400001", domain.CategoryRecyclable, "300")
	r2 := env.deposit(t, "b", "400002", domain.CategoryRecyclable, "700")
	detail, err := env.Engine.CreateLot(env.Ctx, engine.LotCreateOptions{WeightCeiling: dec("1000")})
	require.NoError(t, err)

	res, err := env.Engine.SettleLot(env.Ctx, detail.Lot.ID, dec("100"), "admin")
	require.NoError(t, err)
	assertDec(t, "20", res.CompanyShare)
	assertDec(t, "80", res.AmountDistributed)
	assert.Equal(t, 2, res.RecordsUpdated)

	got1, err := env.Engine.GetRecord(env.Ctx, r1.ID)
	require.NoError(t, err)
	got2, err := env.Engine.GetRecord(env.Ctx, r2.ID)
	require.NoError(t, err)
	assertDec(t, "24", got1.ProportionalPayout)
	assertDec(t, "56", got2.ProportionalPayout)
	assert.Equal(t, domain.StatusReleased, got1.Status)
	assert.NotNil(t, got1.PaymentRequestedAt)

	lot, err := env.Engine.GetLot(env.Ctx, detail.Lot.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LotPaidByValidator, lot.Lot.Status)
	assertDec(t, "100", lot.Lot.AmountPaid)
	assertDec(t, "80", lot.Lot.AmountDistributed)
	assert.NotNil(t, lot.Lot.PaidAt)

	_, err = env.Engine.SettleLot(env.Ctx, detail.Lot.ID, dec("100"), "admin")
	var settled domain.LotAlreadySettledError
	require.ErrorAs(t, err, &settled)
	assert.Equal(t, domain.LotPaidByValidator, settled.Status)
}

func TestSettleLotConservesAmount(t *testing.T) {
	env := newTestEnv(t)
	weights := []string{"33.3", "12.17", "7", "0.5", "101.01"}
	for i, w := range weights {
		env.deposit(t, fmt.Sprintf("owner-%d", i%2), fmt.Sprintf("5%05d", i), domain.CategoryOrganic, w)
	}
	detail, err := env.Engine.CreateLot(env.Ctx, engine.LotCreateOptions{WeightCeiling: dec("1000")})
	require.NoError(t, err)
	require.Equal(t, len(weights), detail.Lot.RecordCount)

	res, err := env.Engine.SettleLot(env.Ctx, detail.Lot.ID, dec("97.31"), "admin")
	require.NoError(t, err)

	lot, err := env.Engine.GetLot(env.Ctx, detail.Lot.ID)
	require.NoError(t, err)
	sum := decimal.Zero
	for _, rec := range lot.Records {
		assert.False(t, rec.ProportionalPayout.IsNegative())
		sum = sum.Add(rec.ProportionalPayout)
	}
	want := dec("97.31").Mul(dec("0.8"))
	assert.True(t, sum.Equal(lot.Lot.AmountDistributed), "sum %s distributed %s", sum, lot.Lot.AmountDistributed)
	assert.True(t, lot.Lot.AmountDistributed.Sub(want).Abs().LessThanOrEqual(settle.Tolerance(lot.Lot.RecordCount)))
	assert.True(t, res.AmountDistributed.Equal(want))
}

func TestSettleLotErrors(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SettleLot(env.Ctx, "missing", dec("10"), "admin")
	var missing domain.LotNotFoundError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "missing", missing.ID)

	_, err = env.Engine.SettleLot(env.Ctx, "missing", dec("0"), "admin")
	assert.ErrorAs(t, err, &domain.InvalidInputError{})
}

func TestSettleCorruptLotIsNotRetryable(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, "company-a", "620001", domain.CategoryRecyclable, "300")
	detail, err := env.Engine.CreateLot(env.Ctx, engine.LotCreateOptions{WeightCeiling: dec("1000")})
	require.NoError(t, err)
	_, err = env.Engine.DB.Exec(`UPDATE lots SET weight_used='500' WHERE id=?`, detail.Lot.ID)
	require.NoError(t, err)

	_, err = env.Engine.SettleLot(env.Ctx, detail.Lot.ID, dec("100"), "admin")
	var integrity domain.IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.False(t, errors.As(err, &domain.PersistenceError{}))
	assert.NotErrorIs(t, err, domain.ErrConflict)

	got, err := env.Engine.GetLot(env.Ctx, detail.Lot.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LotPendingValidator, got.Lot.Status)
	assert.Equal(t, domain.StatusSentToValidator, got.Records[0].Status)
}

// releasedPair returns two released records owned by different companies.
func releasedPair(t *testing.T, env testEnv) (domain.WasteRecord, domain.WasteRecord) {
	t.Helper()
	r1 := env.deposit(t, "a", "600001", domain.CategoryRecyclable, "300")
	r2 := env.deposit(t, "b", "600002", domain.CategoryRecyclable, "700")
	detail, err := env.Engine.CreateLot(env.Ctx, engine.LotCreateOptions{WeightCeiling: dec("1000")})
	require.NoError(t, err)
	_, err = env.Engine.SettleLot(env.Ctx, detail.Lot.ID, dec("100"), "admin")
	require.NoError(t, err)
	return r1, r2
}

func TestProcessPayments(t *testing.T) {
	env := newTestEnv(t)
	r1, r2 := releasedPair(t, env)

	res, err := env.Engine.ProcessPayments(env.Ctx, []string{r1.ID, r2.ID, r1.ID}, "admin")
	require.NoError(t, err)
	assertDec(t, "80", res.TotalPaid)
	require.Len(t, res.Records, 2)
	for _, rec := range res.Records {
		assert.Equal(t, domain.StatusPaid, rec.Status)
		assert.NotNil(t, rec.PaidAt)
	}

	history, err := env.Engine.PaidRecords(env.Ctx, "")
	require.NoError(t, err)
	assert.Len(t, history, 2)
	mine, err := env.Engine.PaidRecords(env.Ctx, "a")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, r1.ID, mine[0].ID)
}

func TestProcessPaymentsRejectsWholeBatch(t *testing.T) {
	env := newTestEnv(t)
	r1, r2 := releasedPair(t, env)
	_, err := env.Engine.ProcessPayments(env.Ctx, []string{r2.ID}, "admin")
	require.NoError(t, err)

	_, err = env.Engine.ProcessPayments(env.Ctx, []string{r1.ID, r2.ID}, "admin")
	var notPayable domain.RecordNotPayableError
	require.ErrorAs(t, err, &notPayable)
	assert.Equal(t, r2.ID, notPayable.ID)
	assert.Equal(t, domain.StatusPaid, notPayable.Status)

	got, err := env.Engine.GetRecord(env.Ctx, r1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReleased, got.Status)
	assert.Nil(t, got.PaidAt)
}

func TestProcessPaymentsPreconditions(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ProcessPayments(env.Ctx, nil, "admin")
	assert.ErrorAs(t, err, &domain.NoRecordsSelectedError{})
	_, err = env.Engine.ProcessPayments(env.Ctx, []string{" ", ""}, "admin")
	assert.ErrorAs(t, err, &domain.NoRecordsSelectedError{})

	_, err = env.Engine.ProcessPayments(env.Ctx, []string{"nope"}, "admin")
	var missing domain.RecordNotFoundError
	require.ErrorAs(t, err, &missing)

	rec := env.deposit(t, "a", "700001", domain.CategoryOrganic, "1")
	_, err = env.Engine.ProcessPayments(env.Ctx, []string{rec.ID}, "admin")
	var notPayable domain.RecordNotPayableError
	require.ErrorAs(t, err, &notPayable)
	assert.Equal(t, domain.StatusValidated, notPayable.Status)
}

func TestRecordStatusOnlyMovesForward(t *testing.T) {
	env := newTestEnv(t)
	rec := env.deposit(t, "a", "800001", domain.CategoryRecyclable, "10")
	observed := []domain.RecordStatus{rec.Status}
	observe := func() {
		got, err := env.Engine.GetRecord(env.Ctx, rec.ID)
		require.NoError(t, err)
		if got.Status != observed[len(observed)-1] {
			observed = append(observed, got.Status)
		}
	}

	detail, err := env.Engine.CreateLot(env.Ctx, engine.LotCreateOptions{WeightCeiling: dec("10")})
	require.NoError(t, err)
	observe()
	_, err = env.Engine.ProcessPayments(env.Ctx, []string{rec.ID}, "admin")
	require.Error(t, err)
	observe()
	_, err = env.Engine.SettleLot(env.Ctx, detail.Lot.ID, dec("5"), "admin")
	require.NoError(t, err)
	observe()
	_, err = env.Engine.CreateLot(env.Ctx, engine.LotCreateOptions{WeightCeiling: dec("10")})
	require.ErrorAs(t, err, &domain.NoEligibleRecordsError{})
	_, err = env.Engine.ProcessPayments(env.Ctx, []string{rec.ID}, "admin")
	require.NoError(t, err)
	observe()
	_, err = env.Engine.SettleLot(env.Ctx, detail.Lot.ID, dec("5"), "admin")
	require.Error(t, err)
	observe()

	assert.Equal(t, domain.RecordStatuses, observed)
}

func TestOwnerReports(t *testing.T) {
	env := newTestEnv(t)
	r1, _ := releasedPair(t, env)
	env.deposit(t, "a", "900001", domain.CategoryOrganic, "40")
	_, err := env.Engine.ProcessPayments(env.Ctx, []string{r1.ID}, "admin")
	require.NoError(t, err)
	env.deposit(t, "a", "900002", domain.CategoryRecyclable, "5")

	sum, err := env.Engine.OwnerPayments(env.Ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Pending.Count)
	assertDec(t, "45", sum.Pending.Weight)
	assert.Equal(t, 0, sum.Available.Count)
	assert.Equal(t, 1, sum.Paid.Count)
	assertDec(t, "24", sum.Paid.Amount)

	stats, err := env.Engine.OwnerStats(env.Ctx, "a")
	require.NoError(t, err)
	assertDec(t, "345", stats.TotalWeight)
	assertDec(t, "32.5", stats.TotalCredit)
	assert.Equal(t, 2, stats.ByCategory[domain.CategoryRecyclable].Count)
	assertDec(t, "2", stats.ByCategory[domain.CategoryOrganic].Credit)
	assert.Equal(t, 2, stats.ByStatus[domain.StatusValidated])
	assert.Equal(t, 1, stats.ByStatus[domain.StatusPaid])
	assert.Equal(t, 0, stats.ByStatus[domain.StatusReleased])

	payables, err := env.Engine.PayablesByOwner(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, payables.Count)
	assertDec(t, "56", payables.Total)
	require.Len(t, payables.Owners, 1)
	assert.Equal(t, "b", payables.Owners[0].OwnerID)

	lots, err := env.Engine.LotStats(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, lots.Total)
	assert.Equal(t, 1, lots.Paid)
	assert.Equal(t, 0, lots.Pending)
	assertDec(t, "1000", lots.TotalWeight)
	assertDec(t, "100", lots.TotalValue)
}

func TestListRecordsOrdering(t *testing.T) {
	env := newTestEnv(t)
	first := env.deposit(t, "a", "110001", domain.CategoryOrganic, "1")
	second := env.deposit(t, "a", "110002", domain.CategoryOrganic, "2")

	mine, err := env.Engine.ListRecordsByOwner(env.Ctx, "a")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, second.ID, mine[0].ID)

	validated, err := env.Engine.ListRecordsByStatus(env.Ctx, domain.StatusValidated)
	require.NoError(t, err)
	require.Len(t, validated, 2)
	assert.Equal(t, first.ID, validated[0].ID)

	_, err = env.Engine.ListRecordsByStatus(env.Ctx, "BOGUS")
	assert.ErrorAs(t, err, &domain.InvalidInputError{})
	_, err = env.Engine.GetRecord(env.Ctx, "nope")
	assert.ErrorAs(t, err, &domain.RecordNotFoundError{})
}

func TestEventsWrittenWithChanges(t *testing.T) {
	env := newTestEnv(t)
	rec := env.deposit(t, "a", "120001", domain.CategoryOrganic, "3")

	evts, err := env.Engine.ListEvents(env.Ctx, repo.EventFilter{})
	require.NoError(t, err)
	require.Len(t, evts, 3)
	assert.Equal(t, "record.validated", evts[0].Type)
	assert.Equal(t, rec.ID, evts[0].EntityID)
	assert.Equal(t, "token.redeemed", evts[1].Type)
	assert.Equal(t, "token.issued", evts[2].Type)

	// a rejected redemption leaves no trace
	_, err = env.Engine.RegisterRedemption(env.Ctx, "b", "120001")
	require.Error(t, err)
	evts, err = env.Engine.ListEvents(env.Ctx, repo.EventFilter{Type: "token.redeemed"})
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestAPIKeys(t *testing.T) {
	env := newTestEnv(t)
	key, plain, err := env.Engine.CreateAPIKey(env.Ctx, engine.APIKeyCreateOptions{ActorID: "totem-01", Name: "lobby", Roles: []string{"totem"}, CreatedBy: "admin"})
	require.NoError(t, err)
	assert.NotEmpty(t, plain)
	assert.NotEqual(t, plain, key.KeyHash)

	got, ok, err := env.Engine.LookupAPIKey(env.Ctx, plain)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "totem-01", got.ActorID)
	assert.Equal(t, []string{"totem"}, got.Roles)

	_, ok, err = env.Engine.LookupAPIKey(env.Ctx, "lix_wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = env.Engine.CreateAPIKey(env.Ctx, engine.APIKeyCreateOptions{ActorID: "x", Roles: []string{"root"}})
	assert.ErrorAs(t, err, &domain.InvalidInputError{})
}
