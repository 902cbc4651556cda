package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"wisefido-wearable/internal/models"
)

// Schema 升级记录表
const Schema = `
CREATE TABLE IF NOT EXISTS escalations (
	escalation_id      TEXT PRIMARY KEY,
	origin_device_id   TEXT NOT NULL,
	reason             TEXT NOT NULL,
	destination_number TEXT,
	location_source    TEXT NOT NULL,
	location_link      TEXT NOT NULL,
	delivery_state     TEXT NOT NULL DEFAULT 'PENDING',
	call_status        TEXT NOT NULL DEFAULT 'none',
	abort_reason       TEXT,
	triggered_at       TIMESTAMPTZ NOT NULL,
	call_placed_at     TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_escalations_triggered_at ON escalations (triggered_at DESC);
`

const escalationColumns = `
			escalation_id,
			origin_device_id,
			reason,
			destination_number,
			location_source,
			location_link,
			delivery_state,
			call_status,
			abort_reason,
			triggered_at,
			call_placed_at,
			created_at,
			updated_at`

// EscalationRepository 升级记录仓库（每个 SOS 请求一行）
type EscalationRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewEscalationRepository 创建升级记录仓库
func NewEscalationRepository(db *sql.DB, logger *zap.Logger) *EscalationRepository {
	return &EscalationRepository{
		db:     db,
		logger: logger,
	}
}

// EscalationFilters 查询条件
type EscalationFilters struct {
	StartTime      *time.Time // triggered_at >= StartTime
	EndTime        *time.Time // triggered_at <= EndTime
	OriginDeviceID *string
	DeliveryStates []string // IN 查询
	Limit          int      // 默认 100
	Offset         int
}

// EnsureSchema 建表（幂等）
func (r *EscalationRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to ensure escalations schema: %w", err)
	}
	return nil
}

// CreateEscalation 插入升级记录，主键冲突（重复请求）时返回 created=false
func (r *EscalationRepository) CreateEscalation(ctx context.Context, e *models.Escalation) (bool, error) {
	if e == nil || e.EscalationID == "" {
		return false, fmt.Errorf("escalation_id is required")
	}

	query := `
		INSERT INTO escalations (` + escalationColumns + `
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (escalation_id) DO NOTHING
	`
	result, err := r.db.ExecContext(ctx, query,
		e.EscalationID,
		e.OriginDeviceID,
		e.Reason,
		nullString(e.DestinationNumber),
		string(e.LocationSource),
		e.LocationLink,
		string(e.DeliveryState),
		string(e.CallStatus),
		nullString(e.AbortReason),
		e.TriggeredAt,
		nullTime(e.CallPlacedAt),
		e.CreatedAt,
		e.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert escalation: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		r.logger.Info("Escalation already exists", zap.String("escalation_id", e.EscalationID))
		return false, nil
	}
	return true, nil
}

// UpdateDeliveryState 条件更新投递状态（当前状态必须为 from）
func (r *EscalationRepository) UpdateDeliveryState(ctx context.Context, escalationID string, from, to models.DeliveryState, at time.Time) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, to)
	}

	query := `
		UPDATE escalations
		SET delivery_state = $3, updated_at = $4
		WHERE escalation_id = $1
		  AND delivery_state = $2
	`
	result, err := r.db.ExecContext(ctx, query, escalationID, string(from), string(to), at)
	if err != nil {
		return fmt.Errorf("failed to update delivery state: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: escalation %s is not %s", models.ErrInvalidTransition, escalationID, from)
	}
	return nil
}

// UpdateCallStatus 更新呼叫状态，placed 时记录呼叫时间
func (r *EscalationRepository) UpdateCallStatus(ctx context.Context, escalationID string, status models.CallStatus, at time.Time) error {
	query := `
		UPDATE escalations
		SET call_status = $2,
		    call_placed_at = CASE WHEN $2 = 'placed' THEN $3 ELSE call_placed_at END,
		    updated_at = $3
		WHERE escalation_id = $1
	`
	result, err := r.db.ExecContext(ctx, query, escalationID, string(status), at)
	if err != nil {
		return fmt.Errorf("failed to update call status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", models.ErrEscalationNotFound, escalationID)
	}
	return nil
}

// GetEscalation 获取单条升级记录
func (r *EscalationRepository) GetEscalation(ctx context.Context, escalationID string) (*models.Escalation, error) {
	if escalationID == "" {
		return nil, fmt.Errorf("escalation_id is required")
	}

	query := `SELECT` + escalationColumns + `
		FROM escalations
		WHERE escalation_id = $1
	`
	e, err := scanEscalation(r.db.QueryRowContext(ctx, query, escalationID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", models.ErrEscalationNotFound, escalationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get escalation: %w", err)
	}
	return e, nil
}

// ListEscalations 按条件查询升级记录（按触发时间倒序）
func (r *EscalationRepository) ListEscalations(ctx context.Context, filters EscalationFilters) ([]*models.Escalation, error) {
	var conditions []string
	var args []any

	// 1. 构建过滤条件
	if filters.StartTime != nil {
		args = append(args, *filters.StartTime)
		conditions = append(conditions, fmt.Sprintf("triggered_at >= $%d", len(args)))
	}
	if filters.EndTime != nil {
		args = append(args, *filters.EndTime)
		conditions = append(conditions, fmt.Sprintf("triggered_at <= $%d", len(args)))
	}
	if filters.OriginDeviceID != nil && *filters.OriginDeviceID != "" {
		args = append(args, *filters.OriginDeviceID)
		conditions = append(conditions, fmt.Sprintf("origin_device_id = $%d", len(args)))
	}
	if len(filters.DeliveryStates) > 0 {
		args = append(args, pq.Array(filters.DeliveryStates))
		conditions = append(conditions, fmt.Sprintf("delivery_state = ANY($%d)", len(args)))
	}

	// 2. 分页
	limit := filters.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	offset := filters.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT` + escalationColumns + `
		FROM escalations`
	if len(conditions) > 0 {
		query += "\n\t\tWHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf("\n\t\tORDER BY triggered_at DESC\n\t\tLIMIT $%d OFFSET $%d", len(args)-1, len(args))

	// 3. 查询
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list escalations: %w", err)
	}
	defer rows.Close()

	var result []*models.Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escalation: %w", err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate escalations: %w", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscalation(row rowScanner) (*models.Escalation, error) {
	var e models.Escalation
	var destination, abortReason sql.NullString
	var callPlacedAt sql.NullTime
	var locationSource, deliveryState, callStatus string

	err := row.Scan(
		&e.EscalationID,
		&e.OriginDeviceID,
		&e.Reason,
		&destination,
		&locationSource,
		&e.LocationLink,
		&deliveryState,
		&callStatus,
		&abortReason,
		&e.TriggeredAt,
		&callPlacedAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.LocationSource = models.LocationSource(locationSource)
	e.DeliveryState = models.DeliveryState(deliveryState)
	e.CallStatus = models.CallStatus(callStatus)
	if destination.Valid {
		e.DestinationNumber = &destination.String
	}
	if abortReason.Valid {
		e.AbortReason = &abortReason.String
	}
	if callPlacedAt.Valid {
		e.CallPlacedAt = &callPlacedAt.Time
	}
	return &e, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
