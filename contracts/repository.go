package contracts

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ContractRecord is the cached contract row.
type ContractRecord struct {
	ConID           int64  `gorm:"primaryKey"`
	Symbol          string `gorm:"index"`
	SecType         string
	Exchange        string
	PrimaryExchange string
	Currency        string
	LocalSymbol     string
	TradingClass    string
	Multiplier      string
	Expiry          string
	Strike          float64
	Right           string
	UpdatedAt       time.Time
}

func (ContractRecord) TableName() string { return "contract_details" }

// Repository caches hydrated contracts in Postgres.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) (*Repository, error) {
	if db == nil {
		return &Repository{}, nil
	}
	if err := db.AutoMigrate(&ContractRecord{}); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

// Enabled reports whether a database backs the cache.
func (r *Repository) Enabled() bool { return r.db != nil }

// Upsert stores or refreshes one cached contract.
func (r *Repository) Upsert(e *Entry) error {
	if r.db == nil {
		return nil
	}
	rec := ContractRecord{
		ConID:           e.ConID,
		Symbol:          e.Symbol,
		SecType:         e.SecType,
		Exchange:        e.Exchange,
		PrimaryExchange: e.PrimaryExchange,
		Currency:        e.Currency,
		LocalSymbol:     e.LocalSymbol,
		TradingClass:    e.TradingClass,
		Multiplier:      e.Multiplier,
		Expiry:          e.Expiry,
		Strike:          e.Strike,
		Right:           e.Right,
		UpdatedAt:       time.Now(),
	}
	return r.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
}

// FindByConID reads one cached contract.
func (r *Repository) FindByConID(conID int64) (*Entry, error) {
	if r.db == nil {
		return nil, gorm.ErrRecordNotFound
	}
	var rec ContractRecord
	if err := r.db.First(&rec, "con_id = ?", conID).Error; err != nil {
		return nil, err
	}
	return &Entry{
		ConID:           rec.ConID,
		Symbol:          rec.Symbol,
		SecType:         rec.SecType,
		Exchange:        rec.Exchange,
		PrimaryExchange: rec.PrimaryExchange,
		Currency:        rec.Currency,
		LocalSymbol:     rec.LocalSymbol,
		TradingClass:    rec.TradingClass,
		Multiplier:      rec.Multiplier,
		Expiry:          rec.Expiry,
		Strike:          rec.Strike,
		Right:           rec.Right,
	}, nil
}

// Symbols lists the distinct symbols present in the cache, for the daily
// refresh job.
func (r *Repository) Symbols() ([]string, error) {
	if r.db == nil {
		return nil, nil
	}
	var symbols []string
	err := r.db.Model(&ContractRecord{}).Distinct("symbol").Pluck("symbol", &symbols).Error
	return symbols, err
}
