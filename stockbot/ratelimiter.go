package stockbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// UnlimitedRemaining is reported as UserStats.Remaining for exempt
	// users. Callers should check UserStats.Exempt or Quota.Unlimited
	// instead.
	UnlimitedRemaining = 999

	requestDateFormat = time.DateOnly

	columnUserID          = "user_id"
	columnUsername        = "username"
	columnRequestDate     = "request_date"
	columnRequestCount    = "request_count"
	columnLastRequestTime = "last_request_time"
)

var ErrEmptyUserID = errors.New("user id is required")

// UserRequestCounter is one user's request count for one UTC calendar day.
// There's at most one row per (user_id, request_date). Rows are never
// deleted, so older rows serve as a history of usage.
type UserRequestCounter struct {
	ModelUintID
	ModelUnixTime
	UserID          string `gorm:"size:50;not null;uniqueIndex:idx_user_request_limits_user_date,priority:1" json:"user_id"`
	Username        string `gorm:"size:100" json:"username"`
	RequestDate     string `gorm:"size:10;not null;uniqueIndex:idx_user_request_limits_user_date,priority:2" json:"request_date"`
	RequestCount    int    `gorm:"not null;default:0" json:"request_count"`
	LastRequestTime int64  `json:"last_request_time,omitempty"`
}

func (UserRequestCounter) TableName() string {
	return "user_request_limits"
}

// ExemptUser is a user permanently exempted from the daily quota. The
// presence of a row is the only exemption signal.
type ExemptUser struct {
	ModelUintID
	UserID    string `gorm:"size:50;not null;uniqueIndex" json:"user_id"`
	Username  string `gorm:"size:100" json:"username"`
	Reason    string `gorm:"size:200" json:"reason"`
	AddedBy   string `gorm:"size:50" json:"added_by"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at"`
}

func (ExemptUser) TableName() string {
	return "exempt_users"
}

func (e ExemptUser) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnUserID, e.UserID),
		slog.String(columnUsername, e.Username),
		slog.String("reason", e.Reason),
		slog.String("added_by", e.AddedBy),
	)
}

// Quota is the result of a quota check.
//
// Unlimited is set for exempt users, in which case Remaining and Count
// are meaningless. Err is set when the check failed against storage,
// in which case Allowed is always false.
type Quota struct {
	Allowed   bool
	Unlimited bool
	Count     int
	Remaining int
	Err       error
}

func (q Quota) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Bool("allowed", q.Allowed),
		slog.Bool("unlimited", q.Unlimited),
	}
	if !q.Unlimited {
		attrs = append(
			attrs,
			slog.Int("count", q.Count),
			slog.Int("remaining", q.Remaining),
		)
	}
	if q.Err != nil {
		attrs = append(attrs, slog.String("error", q.Err.Error()))
	}
	return slog.GroupValue(attrs...)
}

// UserStats is a read-only snapshot of a user's quota usage for today
type UserStats struct {
	UserID          string `json:"user_id"`
	Username        string `json:"username,omitempty"`
	RequestDate     string `json:"request_date"`
	RequestCount    int    `json:"request_count"`
	DailyLimit      int    `json:"daily_limit"`
	Remaining       int    `json:"remaining"`
	LastRequestTime int64  `json:"last_request_time,omitempty"`
	Exempt          bool   `json:"exempt"`
}

// RateLimiter gates features behind a per-user daily quota, with
// permanent per-user exemptions. It exclusively owns the
// user_request_limits and exempt_users tables.
//
// Public methods never return errors. Storage failures are logged, and
// quota checks fail closed.
//
// Checking and recording are separate operations, so callers can skip
// recording when the gated work fails. Concurrent requests from the same
// user may both pass a check before either records, allowing up to N-1
// extra requests for N concurrent requests.
type RateLimiter struct {
	db         DBI
	dailyLimit int
	logger     *slog.Logger
	now        func() time.Time
}

func NewRateLimiter(db DBI, dailyLimit int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		db:         db,
		dailyLimit: dailyLimit,
		logger:     logger.With(loggerNameKey, "rate_limiter"),
		now:        time.Now,
	}
}

func (r *RateLimiter) DailyLimit() int {
	return r.dailyLimit
}

// today returns the current UTC calendar day, as stored in request_date
func (r *RateLimiter) today() string {
	return r.now().UTC().Format(requestDateFormat)
}

func (r *RateLimiter) isExempt(ctx context.Context, userID string) (bool, error) {
	var count int64
	err := r.db.DB().WithContext(ctx).Model(&ExemptUser{}).Where(
		columnUserID+" = ?",
		userID,
	).Count(&count).Error
	return count > 0, err
}

// IsExempt reports whether the user is on the exemption list. Storage
// errors are reported as not exempt.
func (r *RateLimiter) IsExempt(ctx context.Context, userID string) bool {
	exempt, err := r.isExempt(ctx, userID)
	if err != nil {
		r.logger.ErrorContext(ctx, "error checking exemption", columnUserID, userID, tint.Err(err))
		return false
	}
	return exempt
}

// ensureCounter creates today's zero-count row for the user if it doesn't
// exist yet, and returns the current row.
func (r *RateLimiter) ensureCounter(
	tx *gorm.DB,
	userID string,
	username string,
	date string,
) (*UserRequestCounter, error) {
	counter := &UserRequestCounter{
		UserID:      userID,
		Username:    username,
		RequestDate: date,
	}
	err := tx.Clauses(
		clause.OnConflict{
			Columns: []clause.Column{
				{Name: columnUserID},
				{Name: columnRequestDate},
			},
			DoNothing: true,
		},
	).Create(counter).Error
	if err != nil {
		return nil, fmt.Errorf("error creating request counter: %w", err)
	}

	var current UserRequestCounter
	if err = tx.Where(
		columnUserID+" = ? AND "+columnRequestDate+" = ?",
		userID,
		date,
	).Take(&current).Error; err != nil {
		return nil, fmt.Errorf("error getting request counter: %w", err)
	}
	return &current, nil
}

// CheckUserLimit reports whether the user may make another quota-gated
// request today. Exempt users are always allowed, with an unlimited
// quota. For everyone else, today's counter row is created with a zero
// count if it doesn't exist.
//
// Any storage error denies the request, with Quota.Err set.
func (r *RateLimiter) CheckUserLimit(
	ctx context.Context,
	userID string,
	username string,
) Quota {
	logger := r.logger.With(columnUserID, userID)
	if strings.TrimSpace(userID) == "" {
		quotaChecks.WithLabelValues(quotaResultError).Inc()
		return Quota{Err: ErrEmptyUserID}
	}

	exempt, err := r.isExempt(ctx, userID)
	if err != nil {
		logger.ErrorContext(ctx, "error checking exemption, denying request", tint.Err(err))
		quotaChecks.WithLabelValues(quotaResultError).Inc()
		return Quota{Err: err}
	}
	if exempt {
		quotaChecks.WithLabelValues(quotaResultUnlimited).Inc()
		return Quota{Allowed: true, Unlimited: true}
	}

	var counter *UserRequestCounter
	date := r.today()
	err = r.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			c, e := r.ensureCounter(tx, userID, username, date)
			counter = c
			return e
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error checking user limit, denying request", tint.Err(err))
		quotaChecks.WithLabelValues(quotaResultError).Inc()
		return Quota{Err: err}
	}

	q := Quota{
		Allowed:   counter.RequestCount < r.dailyLimit,
		Count:     counter.RequestCount,
		Remaining: max(0, r.dailyLimit-counter.RequestCount),
	}
	if q.Allowed {
		quotaChecks.WithLabelValues(quotaResultAllowed).Inc()
	} else {
		quotaChecks.WithLabelValues(quotaResultDenied).Inc()
	}
	logger.DebugContext(ctx, "checked user limit", "quota", q, columnRequestDate, date)
	return q
}

// RecordRequest increments today's counter for the user, creating the
// row if needed, and refreshes the stored username and last request
// time. It doesn't enforce the limit. Returns whether the write
// succeeded.
func (r *RateLimiter) RecordRequest(
	ctx context.Context,
	userID string,
	username string,
) bool {
	if strings.TrimSpace(userID) == "" {
		return false
	}
	logger := r.logger.With(columnUserID, userID)
	now := r.now().UTC()
	date := now.Format(requestDateFormat)

	err := r.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if _, e := r.ensureCounter(tx, userID, username, date); e != nil {
				return e
			}
			return tx.Model(&UserRequestCounter{}).Where(
				columnUserID+" = ? AND "+columnRequestDate+" = ?",
				userID,
				date,
			).Updates(
				map[string]any{
					columnRequestCount:    gorm.Expr(columnRequestCount + " + 1"),
					columnUsername:        username,
					columnLastRequestTime: now.UnixMilli(),
				},
			).Error
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error recording request", tint.Err(err))
		return false
	}
	quotaRecorded.Inc()
	logger.InfoContext(ctx, "recorded request", columnRequestDate, date)
	return true
}

// GetUserStats returns a snapshot of today's usage for the user, without
// creating a counter row. Returns nil on a storage error.
func (r *RateLimiter) GetUserStats(ctx context.Context, userID string) *UserStats {
	logger := r.logger.With(columnUserID, userID)
	date := r.today()

	stats := &UserStats{
		UserID:      userID,
		RequestDate: date,
		DailyLimit:  r.dailyLimit,
		Remaining:   r.dailyLimit,
	}

	exempt, err := r.isExempt(ctx, userID)
	if err != nil {
		logger.ErrorContext(ctx, "error checking exemption", tint.Err(err))
		return nil
	}
	stats.Exempt = exempt
	if exempt {
		stats.Remaining = UnlimitedRemaining
	}

	var counter UserRequestCounter
	err = r.db.DB().WithContext(ctx).Where(
		columnUserID+" = ? AND "+columnRequestDate+" = ?",
		userID,
		date,
	).Take(&counter).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return stats
	case err != nil:
		logger.ErrorContext(ctx, "error getting user stats", tint.Err(err))
		return nil
	}

	stats.Username = counter.Username
	stats.RequestCount = counter.RequestCount
	stats.Remaining = max(0, r.dailyLimit-counter.RequestCount)
	stats.LastRequestTime = counter.LastRequestTime
	if exempt {
		stats.Remaining = UnlimitedRemaining
	}
	return stats
}

// ResetUserLimit sets today's request count for the user back to zero.
// Rows for other days are left alone.
func (r *RateLimiter) ResetUserLimit(ctx context.Context, userID string) bool {
	logger := r.logger.With(columnUserID, userID)
	date := r.today()
	rows, err := r.db.UpdatesWhere(
		ctx,
		&UserRequestCounter{},
		map[string]any{columnRequestCount: 0},
		columnUserID+" = ? AND "+columnRequestDate+" = ?",
		userID,
		date,
	)
	if err != nil {
		logger.ErrorContext(ctx, "error resetting user limit", tint.Err(err))
		return false
	}
	logger.InfoContext(ctx, "reset user limit", columnRequestDate, date, "rows_affected", rows)
	return true
}

// AddExemptUser adds the user to the exemption list. Returns false if
// the user is already exempt, or on a storage error.
func (r *RateLimiter) AddExemptUser(
	ctx context.Context,
	userID string,
	username string,
	reason string,
	addedBy string,
) bool {
	logger := r.logger.With(columnUserID, userID)
	if strings.TrimSpace(userID) == "" {
		return false
	}

	exempt, err := r.isExempt(ctx, userID)
	if err != nil {
		logger.ErrorContext(ctx, "error checking exemption", tint.Err(err))
		return false
	}
	if exempt {
		logger.WarnContext(ctx, "user already exempt")
		return false
	}

	e := &ExemptUser{
		UserID:   userID,
		Username: username,
		Reason:   reason,
		AddedBy:  addedBy,
	}
	if _, err = r.db.Create(ctx, e); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			logger.WarnContext(ctx, "user already exempt")
		} else {
			logger.ErrorContext(ctx, "error adding exempt user", tint.Err(err))
		}
		return false
	}
	logger.InfoContext(ctx, "added exempt user", "exempt_user", e)
	return true
}

// RemoveExemptUser deletes the user's exemption. Returns false if the
// user wasn't exempt, or on a storage error.
func (r *RateLimiter) RemoveExemptUser(ctx context.Context, userID string) bool {
	logger := r.logger.With(columnUserID, userID)
	rows, err := r.db.Delete(ctx, &ExemptUser{}, columnUserID+" = ?", userID)
	if err != nil {
		logger.ErrorContext(ctx, "error removing exempt user", tint.Err(err))
		return false
	}
	if rows == 0 {
		logger.WarnContext(ctx, "user not exempt")
		return false
	}
	logger.InfoContext(ctx, "removed exempt user")
	return true
}

// ListExemptUsers returns all exemptions in the order they were added.
// Returns nil on a storage error.
func (r *RateLimiter) ListExemptUsers(ctx context.Context) []ExemptUser {
	users := []ExemptUser{}
	if err := r.db.DB().WithContext(ctx).Order("id asc").Find(&users).Error; err != nil {
		r.logger.ErrorContext(ctx, "error listing exempt users", tint.Err(err))
		return nil
	}
	return users
}
