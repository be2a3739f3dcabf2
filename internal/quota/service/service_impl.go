package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/muselabs/muse/internal/clock"
	obsmetrics "github.com/muselabs/muse/internal/observability/metrics"
	quotadomain "github.com/muselabs/muse/internal/quota/domain"
	servicecostdomain "github.com/muselabs/muse/internal/servicecost/domain"
	"github.com/muselabs/muse/pkg/db/pagination"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// FIFO drain tuning. Each batch locks at most consumeBatchSize grant rows;
// a walk gives up after consumeBatchCap batches rather than hold locks on an
// unbounded row count.
const (
	consumeBatchSize = 50
	consumeBatchCap  = 40
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID   *snowflake.Node
	clock   clock.Clock
	repo    quotadomain.Repository
	costs   servicecostdomain.Service
	metrics *obsmetrics.Metrics
}

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    quotadomain.Repository
	Costs   servicecostdomain.Service
	Metrics *obsmetrics.Metrics `optional:"true"`
}

func NewService(p ServiceParam) quotadomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("quota.service"),

		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		costs:   p.Costs,
		metrics: p.Metrics,
	}
}

// Grant implements domain.Service.
func (s *Service) Grant(ctx context.Context, req quotadomain.GrantRequest) (*quotadomain.QuotaTransaction, error) {
	return s.GrantTx(ctx, s.db, req)
}

// GrantTx inserts one ACTIVE grant row with the full amount remaining. No
// idempotency check happens here; callers guarding against webhook retries
// pre-check by order or subscription number inside their own transaction.
func (s *Service) GrantTx(ctx context.Context, tx *gorm.DB, req quotadomain.GrantRequest) (*quotadomain.QuotaTransaction, error) {
	if req.UserID == 0 {
		return nil, quotadomain.ErrInvalidUser
	}
	if !req.Amount.IsPositive() {
		return nil, quotadomain.ErrInvalidAmount
	}
	if !quotadomain.ValidPoolType(req.PoolType) {
		return nil, quotadomain.ErrInvalidPoolType
	}
	if !quotadomain.ValidMeasurementType(req.MeasurementType) {
		return nil, quotadomain.ErrInvalidMeasurementType
	}
	scene := strings.TrimSpace(req.Scene)
	if scene == "" {
		return nil, quotadomain.ErrInvalidScene
	}

	now := s.clock.Now()
	grant := &quotadomain.QuotaTransaction{
		ID:               s.genID.Generate(),
		UserID:           req.UserID,
		PoolType:         req.PoolType,
		MeasurementType:  req.MeasurementType,
		TransactionType:  quotadomain.TransactionGrant,
		TransactionScene: scene,
		TransactionNo:    newTransactionNo(),
		Amount:           req.Amount,
		RemainingAmount:  req.Amount,
		ExpiresAt:        resolveExpiry(now, req.ValidDays, req.CurrentPeriodEnd),
		Status:           quotadomain.StatusActive,
		OrderNo:          normalizeRef(req.OrderNo),
		SubscriptionNo:   normalizeRef(req.SubscriptionNo),
		Description:      strings.TrimSpace(req.Description),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if req.Metadata != nil {
		grant.Metadata = datatypes.JSONMap(req.Metadata)
	}

	if err := s.repo.Insert(ctx, tx, grant); err != nil {
		return nil, err
	}

	s.metrics.RecordGrant(string(req.PoolType))
	s.log.Info("quota granted",
		zap.Int64("user_id", int64(req.UserID)),
		zap.String("pool_type", string(req.PoolType)),
		zap.String("scene", scene),
		zap.String("amount", req.Amount.String()),
		zap.String("transaction_no", grant.TransactionNo),
	)

	return grant, nil
}

// Consume implements domain.Service.
func (s *Service) Consume(ctx context.Context, req quotadomain.ConsumeRequest) (*quotadomain.ConsumeResult, error) {
	// The cost lookup may hit the config cache or the database; it runs
	// before the transaction so it can never extend row lock hold time.
	cost, err := s.resolveCost(ctx, req.UserID, req.ServiceType, req.Scene)
	if err != nil {
		return nil, err
	}

	var result *quotadomain.ConsumeResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res, err := s.consumeWithCost(ctx, tx, req, cost)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ConsumeTx joins a transaction the caller already holds, so the caller's
// rows and the quota deduction commit or roll back together.
func (s *Service) ConsumeTx(ctx context.Context, tx *gorm.DB, req quotadomain.ConsumeRequest) (*quotadomain.ConsumeResult, error) {
	cost, err := s.resolveCost(ctx, req.UserID, req.ServiceType, req.Scene)
	if err != nil {
		return nil, err
	}
	return s.consumeWithCost(ctx, tx, req, cost)
}

// consumeWithCost walks pools in priority order. A pool that cannot cover
// the whole cost is skipped; there is no splitting one consumption across
// pools. A pool that passed the balance gate but could not be drained lost a
// race to a concurrent consumer, which aborts the entire attempt.
func (s *Service) consumeWithCost(ctx context.Context, tx *gorm.DB, req quotadomain.ConsumeRequest, cost *servicecostdomain.ServiceCost) (*quotadomain.ConsumeResult, error) {
	for _, pool := range quotadomain.PoolPriority {
		result, err := s.consumeFromPool(ctx, tx, req, pool, cost)
		if err != nil {
			return nil, err
		}
		if result == nil {
			continue
		}

		s.metrics.RecordConsume(string(pool), cost.ServiceType)
		s.log.Info("quota consumed",
			zap.Int64("user_id", int64(req.UserID)),
			zap.String("pool_type", string(pool)),
			zap.String("service_type", cost.ServiceType),
			zap.String("cost", result.CostAmount.String()),
			zap.String("transaction_no", result.TransactionNo),
			zap.Int("grants_touched", len(result.ConsumedDetail)),
		)
		return result, nil
	}

	s.metrics.RecordInsufficient(cost.ServiceType)
	return nil, quotadomain.ErrInsufficientQuota
}

func (s *Service) consumeFromPool(ctx context.Context, tx *gorm.DB, req quotadomain.ConsumeRequest, pool quotadomain.PoolType, cost *servicecostdomain.ServiceCost) (*quotadomain.ConsumeResult, error) {
	now := s.clock.Now()

	// The pool is monomorphic in measurement type; any eligible row tells
	// us whether the dollar or the unit cost applies.
	probe, err := s.repo.FindEligibleGrants(ctx, tx, quotadomain.GrantFilter{
		UserID:   req.UserID,
		PoolType: pool,
		At:       now,
		Limit:    1,
	})
	if err != nil {
		return nil, err
	}
	if len(probe) == 0 {
		return nil, nil
	}
	measurement := probe[0].MeasurementType
	required := requiredCost(measurement, cost)

	// Balance gate: summed in Go over decimals so fractional dollar pools
	// never lose precision to the database's float arithmetic.
	eligible, err := s.repo.FindEligibleGrants(ctx, tx, quotadomain.GrantFilter{
		UserID:          req.UserID,
		PoolType:        pool,
		MeasurementType: measurement,
		At:              now,
	})
	if err != nil {
		return nil, err
	}
	total := decimal.Zero
	for _, grant := range eligible {
		total = total.Add(grant.RemainingAmount)
	}
	if total.LessThan(required) {
		return nil, nil
	}

	// FIFO drain under row locks. Rows fully drained in one batch drop out
	// of the next fetch on their own, so the walk pages forward without an
	// offset. A row is left partially drained only when the cost is met.
	remaining := required
	detail := make([]quotadomain.ConsumeDetail, 0, 4)
	for batchNo := 1; remaining.IsPositive(); batchNo++ {
		if batchNo > consumeBatchCap {
			break
		}
		batch, err := s.repo.FindEligibleGrants(ctx, tx, quotadomain.GrantFilter{
			UserID:          req.UserID,
			PoolType:        pool,
			MeasurementType: measurement,
			At:              now,
			Limit:           consumeBatchSize,
			ForUpdate:       true,
		})
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}

		progressed := false
		for _, grant := range batch {
			if !remaining.IsPositive() {
				break
			}
			take := decimal.Min(remaining, grant.RemainingAmount)
			if !take.IsPositive() {
				continue
			}
			after := grant.RemainingAmount.Sub(take)
			if err := s.repo.SetRemainingAmount(ctx, tx, grant.ID, after, now); err != nil {
				return nil, err
			}
			detail = append(detail, quotadomain.ConsumeDetail{
				GrantID:      grant.ID,
				Amount:       take,
				AmountBefore: grant.RemainingAmount,
				AmountAfter:  after,
				BatchNo:      batchNo,
			})
			remaining = remaining.Sub(take)
			progressed = true
		}
		if !progressed {
			break
		}
	}

	if remaining.IsPositive() {
		// The balance moved between the gate and the walk: a concurrent
		// consumer won. Abort the whole attempt; nothing partial commits.
		s.metrics.RecordRaceConflict(string(pool))
		s.log.Warn("quota consumption lost balance race",
			zap.Int64("user_id", int64(req.UserID)),
			zap.String("pool_type", string(pool)),
			zap.String("undrained", remaining.String()),
		)
		return nil, quotadomain.ErrQuotaRaceCondition
	}

	metadata := map[string]any{"scene": normalizeScene(req.Scene)}
	for key, value := range req.Metadata {
		if key == "" {
			continue
		}
		metadata[key] = value
	}

	consume := &quotadomain.QuotaTransaction{
		ID:               s.genID.Generate(),
		UserID:           req.UserID,
		PoolType:         pool,
		MeasurementType:  measurement,
		TransactionType:  quotadomain.TransactionConsume,
		TransactionScene: cost.ServiceType,
		TransactionNo:    newTransactionNo(),
		Amount:           required.Neg(),
		RemainingAmount:  decimal.Zero,
		Status:           quotadomain.StatusActive,
		ConsumedDetail:   datatypes.NewJSONSlice(detail),
		Description:      strings.TrimSpace(req.Description),
		Metadata:         datatypes.JSONMap(metadata),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.Insert(ctx, tx, consume); err != nil {
		return nil, err
	}

	return &quotadomain.ConsumeResult{
		QuotaID:         consume.ID,
		TransactionNo:   consume.TransactionNo,
		PoolType:        pool,
		MeasurementType: measurement,
		CostAmount:      required,
		ConsumedDetail:  detail,
	}, nil
}

// CanConsume implements domain.Service. It mirrors the consume balance gate
// without locking or mutating; the authoritative check still happens inside
// Consume, so a true here can race and is advisory only.
func (s *Service) CanConsume(ctx context.Context, userID snowflake.ID, serviceType, scene string) bool {
	if userID == 0 {
		return false
	}
	cost, err := s.resolveCost(ctx, userID, serviceType, scene)
	if err != nil {
		return false
	}

	now := s.clock.Now()
	for _, pool := range quotadomain.PoolPriority {
		eligible, err := s.repo.FindEligibleGrants(ctx, s.db, quotadomain.GrantFilter{
			UserID:   userID,
			PoolType: pool,
			At:       now,
		})
		if err != nil {
			s.log.Warn("can-consume balance read failed",
				zap.Int64("user_id", int64(userID)),
				zap.String("pool_type", string(pool)),
				zap.Error(err),
			)
			return false
		}
		if len(eligible) == 0 {
			continue
		}

		measurement := eligible[0].MeasurementType
		required := requiredCost(measurement, cost)
		total := decimal.Zero
		for _, grant := range eligible {
			if grant.MeasurementType != measurement {
				continue
			}
			total = total.Add(grant.RemainingAmount)
		}
		if total.GreaterThanOrEqual(required) {
			return true
		}
	}
	return false
}

// Refund implements domain.Service.
func (s *Service) Refund(ctx context.Context, consumeID snowflake.ID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.RefundTx(ctx, tx, consumeID)
	})
}

// RefundTx restores exactly the manifest amounts onto the grant rows the
// consume drew from, regardless of what happened to those grants since; the
// audit trail wins over current eligibility. The ACTIVE→DELETED flip is the
// idempotency gate: failure callbacks fire more than once, so a missing or
// already-reversed row is a no-op, not an error.
func (s *Service) RefundTx(ctx context.Context, tx *gorm.DB, consumeID snowflake.ID) error {
	consume, err := s.repo.FindByIDForUpdate(ctx, tx, consumeID)
	if err != nil {
		return err
	}
	if consume == nil || consume.TransactionType != quotadomain.TransactionConsume {
		return nil
	}
	if consume.Status != quotadomain.StatusActive {
		return nil
	}

	now := s.clock.Now()
	flipped, err := s.repo.UpdateStatus(ctx, tx, consume.ID, quotadomain.StatusActive, quotadomain.StatusDeleted, now)
	if err != nil {
		return err
	}
	if !flipped {
		return nil
	}

	for _, detail := range consume.ConsumedDetail {
		if !detail.Amount.IsPositive() {
			continue
		}
		if err := s.repo.AddRemainingAmount(ctx, tx, detail.GrantID, detail.Amount, now); err != nil {
			return err
		}
	}

	s.metrics.RecordRefund()
	s.log.Info("quota refunded",
		zap.Int64("user_id", int64(consume.UserID)),
		zap.Int64("consume_id", int64(consume.ID)),
		zap.String("amount", consume.Amount.Abs().String()),
		zap.Int("grants_restored", len(consume.ConsumedDetail)),
	)
	return nil
}

// Overview implements domain.Service. It reads outside any transaction and
// tolerates staleness under concurrent consumption.
func (s *Service) Overview(ctx context.Context, userID snowflake.ID) (*quotadomain.Overview, error) {
	if userID == 0 {
		return nil, quotadomain.ErrInvalidUser
	}

	now := s.clock.Now()
	overview := &quotadomain.Overview{}
	for _, pool := range quotadomain.PoolPriority {
		summary, err := s.poolSummary(ctx, userID, pool, now)
		if err != nil {
			return nil, err
		}
		switch pool {
		case quotadomain.PoolTrial:
			overview.Trial = summary
		case quotadomain.PoolSubscription:
			overview.Subscription = summary
		case quotadomain.PoolPayGo:
			overview.PayGo = summary
		}
	}
	return overview, nil
}

// poolSummary aggregates in Go over decimals. TotalGranted counts original
// amounts of still-valid grants, drained ones included; an expired grant
// drops out of both sums. A pool the user never held reports nil rather
// than a zeroed summary.
func (s *Service) poolSummary(ctx context.Context, userID snowflake.ID, pool quotadomain.PoolType, now time.Time) (*quotadomain.PoolSummary, error) {
	grants, err := s.repo.ListGrants(ctx, s.db, userID, pool, now)
	if err != nil {
		return nil, err
	}

	totalGranted := decimal.Zero
	remaining := decimal.Zero
	var measurement quotadomain.MeasurementType
	var earliest *time.Time
	for _, grant := range grants {
		totalGranted = totalGranted.Add(grant.Amount)
		if measurement == "" {
			measurement = grant.MeasurementType
		}
		if !grant.RemainingAmount.IsPositive() {
			continue
		}
		remaining = remaining.Add(grant.RemainingAmount)
		if grant.ExpiresAt != nil && grant.ExpiresAt.After(now) {
			if earliest == nil || grant.ExpiresAt.Before(*earliest) {
				expiry := *grant.ExpiresAt
				earliest = &expiry
			}
		}
	}

	if !totalGranted.IsPositive() {
		return nil, nil
	}
	return &quotadomain.PoolSummary{
		PoolType:        pool,
		MeasurementType: measurement,
		TotalGranted:    totalGranted,
		TotalConsumed:   totalGranted.Sub(remaining),
		Remaining:       remaining,
		EarliestExpiry:  earliest,
	}, nil
}

// Remaining implements domain.Service.
func (s *Service) Remaining(ctx context.Context, userID snowflake.ID, poolType *quotadomain.PoolType) (decimal.Decimal, error) {
	if userID == 0 {
		return decimal.Zero, quotadomain.ErrInvalidUser
	}

	pools := quotadomain.PoolPriority
	if poolType != nil {
		if !quotadomain.ValidPoolType(*poolType) {
			return decimal.Zero, quotadomain.ErrInvalidPoolType
		}
		pools = []quotadomain.PoolType{*poolType}
	}

	now := s.clock.Now()
	total := decimal.Zero
	for _, pool := range pools {
		eligible, err := s.repo.FindEligibleGrants(ctx, s.db, quotadomain.GrantFilter{
			UserID:   userID,
			PoolType: pool,
			At:       now,
		})
		if err != nil {
			return decimal.Zero, err
		}
		for _, grant := range eligible {
			total = total.Add(grant.RemainingAmount)
		}
	}
	return total, nil
}

// SweepExpired implements domain.Service. The periodic job invoking it lives
// outside this process; the flip itself is one atomic statement.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	if now.IsZero() {
		now = s.clock.Now()
	}

	swept, err := s.repo.SweepExpired(ctx, s.db, now)
	if err != nil {
		return 0, err
	}
	if swept > 0 {
		s.metrics.RecordExpiredGrants(swept)
		s.log.Info("expired grants swept", zap.Int64("count", swept))
	}
	return swept, nil
}

// Get implements domain.Service.
func (s *Service) Get(ctx context.Context, id snowflake.ID) (*quotadomain.QuotaTransaction, error) {
	transaction, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if transaction == nil {
		return nil, quotadomain.ErrTransactionNotFound
	}
	return transaction, nil
}

// ListTransactions implements domain.Service.
func (s *Service) ListTransactions(ctx context.Context, req quotadomain.ListTransactionsRequest) (quotadomain.ListTransactionsResponse, error) {
	if req.UserID == 0 {
		return quotadomain.ListTransactionsResponse{}, quotadomain.ErrInvalidUser
	}
	if req.PoolType != "" && !quotadomain.ValidPoolType(req.PoolType) {
		return quotadomain.ListTransactionsResponse{}, quotadomain.ErrInvalidPoolType
	}

	var cursor *quotadomain.ListCursor
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return quotadomain.ListTransactionsResponse{}, quotadomain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339, decoded.CreatedAt)
		if err != nil {
			return quotadomain.ListTransactionsResponse{}, quotadomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return quotadomain.ListTransactionsResponse{}, quotadomain.ErrInvalidPageToken
		}
		cursor = &quotadomain.ListCursor{ID: id, CreatedAt: createdAt}
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	items, err := s.repo.List(ctx, s.db, quotadomain.ListFilter{
		UserID:          req.UserID,
		PoolType:        req.PoolType,
		TransactionType: req.TransactionType,
		Status:          req.Status,
		Cursor:          cursor,
		Limit:           pageSize,
	})
	if err != nil {
		return quotadomain.ListTransactionsResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, int32(pageSize), func(item *quotadomain.QuotaTransaction) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > pageSize {
		items = items[:pageSize]
	}

	transactions := make([]quotadomain.QuotaTransaction, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		transactions = append(transactions, *item)
	}

	resp := quotadomain.ListTransactionsResponse{Transactions: transactions}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) resolveCost(ctx context.Context, userID snowflake.ID, serviceType, scene string) (*servicecostdomain.ServiceCost, error) {
	if userID == 0 {
		return nil, quotadomain.ErrInvalidUser
	}
	if strings.TrimSpace(serviceType) == "" {
		return nil, quotadomain.ErrInvalidServiceType
	}

	cost, err := s.costs.Resolve(ctx, serviceType, scene)
	if err != nil {
		if errors.Is(err, servicecostdomain.ErrCostNotFound) || errors.Is(err, servicecostdomain.ErrInvalidServiceType) {
			return nil, quotadomain.ErrCostNotConfigured
		}
		return nil, err
	}
	return cost, nil
}

func requiredCost(measurement quotadomain.MeasurementType, cost *servicecostdomain.ServiceCost) decimal.Decimal {
	if measurement == quotadomain.MeasurementDollar {
		return cost.DollarCost
	}
	return cost.UnitCost
}

// resolveExpiry: a billing period end pins the grant to the cycle exactly;
// otherwise positive validDays count from now; otherwise the grant never
// expires.
func resolveExpiry(now time.Time, validDays int, currentPeriodEnd *time.Time) *time.Time {
	if currentPeriodEnd != nil && !currentPeriodEnd.IsZero() {
		expiry := currentPeriodEnd.UTC()
		return &expiry
	}
	if validDays > 0 {
		expiry := now.AddDate(0, 0, validDays)
		return &expiry
	}
	return nil
}

func newTransactionNo() string {
	return "TXN-" + ulid.Make().String()
}

func normalizeRef(ref *string) *string {
	if ref == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*ref)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func normalizeScene(raw string) string {
	scene := strings.ToLower(strings.TrimSpace(raw))
	if scene == "" {
		return servicecostdomain.WildcardScene
	}
	return scene
}
