package archive

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/oddslab/polysim/internal/market"
)

// TradeRecord mirrors a closed trade for offline analysis. The JSON ledger
// stays the source of truth; rows here are write-once copies.
type TradeRecord struct {
	ID          uint   `gorm:"primaryKey"`
	TradeID     string `gorm:"uniqueIndex;size:64"`
	MarketID    string `gorm:"index;size:128"`
	Side        string `gorm:"size:8"`
	EntryPrice  string
	ExitPrice   string
	Shares      string
	NotionalUSD string
	PnL         string
	EntryPhase  string `gorm:"size:8"`
	ExitReason  string `gorm:"size:32"`
	EntryTime   time.Time
	ExitTime    time.Time
	CreatedAt   time.Time
}

// Archive is an optional relational mirror of closed trades. All of its
// failure modes are logged and swallowed so the trading loop never depends
// on the database being reachable.
type Archive struct {
	db  *gorm.DB
	log zerolog.Logger
}

// Open connects using the DSN's scheme: a postgres:// DSN uses the postgres
// driver, anything else is treated as a sqlite file path.
func Open(dsn string) (*Archive, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if err := db.AutoMigrate(&TradeRecord{}); err != nil {
		return nil, fmt.Errorf("migrate archive: %w", err)
	}

	a := &Archive{db: db, log: log.With().Str("component", "archive").Logger()}
	a.log.Info().Msg("🗄️ Trade archive connected")
	return a, nil
}

// Record mirrors a closed trade. Open trades and duplicates are skipped.
func (a *Archive) Record(t market.Trade) {
	if t.Status != market.StatusClosed {
		return
	}
	rec := TradeRecord{
		TradeID:     t.ID,
		MarketID:    t.MarketID,
		Side:        string(t.Side),
		EntryPrice:  t.EntryPrice.String(),
		Shares:      t.Shares.String(),
		NotionalUSD: t.NotionalUSD.String(),
		PnL:         t.PnL.String(),
		EntryPhase:  string(t.EntryPhase),
		ExitReason:  t.ExitReason,
		EntryTime:   t.EntryTime,
	}
	if t.ExitPrice != nil {
		rec.ExitPrice = t.ExitPrice.String()
	}
	if t.ExitTime != nil {
		rec.ExitTime = *t.ExitTime
	}

	err := a.db.
		Where(TradeRecord{TradeID: t.ID}).
		Attrs(rec).
		FirstOrCreate(&TradeRecord{}).Error
	if err != nil {
		a.log.Warn().Err(err).Str("trade_id", t.ID).Msg("⚠️ Failed to archive trade")
	}
}

// Close releases the underlying connection pool.
func (a *Archive) Close() {
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
}
