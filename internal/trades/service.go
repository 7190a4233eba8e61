// Package trades serves the local trade ledger: user-facing queries over
// imported trades plus the annotations sync never touches.
package trades

import (
	"errors"
	"fmt"
	"time"

	"trade-ledger-go/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNotFound means the trade does not exist or belongs to another user.
var ErrNotFound = errors.New("trade not found")

const (
	defaultPageSize = 50
	maxPageSize     = 50
)

// Service implements trade queries and annotations, all user-scoped.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewService creates the trade service.
func NewService(db *gorm.DB, logger *zap.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// ListFilter narrows a trade listing. Zero values mean no constraint.
type ListFilter struct {
	BrokerAccountID string
	Symbol          string
	From            *time.Time // close time lower bound, inclusive
	To              *time.Time // close time upper bound, inclusive
	Page            int        // 1-based
	PageSize        int
}

// ListResult is one page of trades plus the unpaged total.
type ListResult struct {
	Trades   []models.Trade `json:"trades"`
	Total    int64          `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"pageSize"`
}

// List returns the user's trades ordered by close time, newest first. Page
// size is capped so a single request cannot drag the whole ledger over.
func (s *Service) List(userID string, filter ListFilter) (*ListResult, error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size < 1 || size > maxPageSize {
		size = defaultPageSize
	}

	q := s.db.Model(&models.Trade{}).Where("user_id = ?", userID)
	if filter.BrokerAccountID != "" {
		q = q.Where("broker_account_id = ?", filter.BrokerAccountID)
	}
	if filter.Symbol != "" {
		q = q.Where("symbol = ?", filter.Symbol)
	}
	if filter.From != nil {
		q = q.Where("close_time >= ?", *filter.From)
	}
	if filter.To != nil {
		q = q.Where("close_time <= ?", *filter.To)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("count trades: %w", err)
	}

	var result []models.Trade
	err := q.
		Order("close_time desc").
		Offset((page - 1) * size).
		Limit(size).
		Find(&result).Error
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}

	return &ListResult{Trades: result, Total: total, Page: page, PageSize: size}, nil
}

// Get returns one trade owned by the user.
func (s *Service) Get(userID, id string) (*models.Trade, error) {
	var trade models.Trade
	err := s.db.Where("id = ? AND user_id = ?", id, userID).First(&trade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load trade: %w", err)
	}
	return &trade, nil
}

// AnnotateInput carries the user-owned fields. Nil means leave unchanged.
type AnnotateInput struct {
	Notes *string
	Tags  *[]string
}

// Annotate updates a trade's notes and tags. These are the only fields a
// user may edit; broker-reported values stay under sync's authority.
func (s *Service) Annotate(userID, id string, in AnnotateInput) (*models.Trade, error) {
	trade, err := s.Get(userID, id)
	if err != nil {
		return nil, err
	}

	changed := false
	if in.Notes != nil {
		trade.Notes = *in.Notes
		changed = true
	}
	if in.Tags != nil {
		trade.Tags = *in.Tags
		changed = true
	}
	if !changed {
		return trade, nil
	}

	if err := s.db.Save(trade).Error; err != nil {
		return nil, fmt.Errorf("annotate trade: %w", err)
	}
	return trade, nil
}

// Delete removes a trade. Only an explicit user action reaches here; sync
// never deletes.
func (s *Service) Delete(userID, id string) error {
	trade, err := s.Get(userID, id)
	if err != nil {
		return err
	}
	if err := s.db.Delete(trade).Error; err != nil {
		return fmt.Errorf("delete trade: %w", err)
	}
	s.logger.Info("Trade deleted",
		zap.String("trade_id", trade.ID),
		zap.String("broker_account_id", trade.BrokerAccountID))
	return nil
}
