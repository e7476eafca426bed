// Package journal persists transaction history, audit events and closed
// channels in SQL through gorm.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/cygnus-agents/paycore"
)

// Transaction is one recorded payment, escrow or closing transfer.
type Transaction struct {
	ID          uint   `gorm:"primaryKey"`
	Kind        string `gorm:"size:32;index"`
	Source      string `gorm:"size:64;index"`
	Destination string `gorm:"size:64;index"`
	Amount      uint64
	Asset       string `gorm:"size:64"`
	Memo        string
	TxHash      string `gorm:"size:80;index"`
	ChannelID   string `gorm:"size:80;index"`
	Status      string `gorm:"size:32"`
	Error       string
	CreatedAt   time.Time `gorm:"index"`
}

func (Transaction) TableName() string { return "paycore_transactions" }

// Audit is a security-relevant event. Payload holds JSON.
type Audit struct {
	ID        uint   `gorm:"primaryKey"`
	Action    string `gorm:"size:64;index"`
	ChannelID string `gorm:"size:80;index"`
	Payload   string `gorm:"type:text"`
	Result    string
	CreatedAt time.Time
}

func (Audit) TableName() string { return "paycore_audits" }

// ArchivedChannel is the final state of a closed channel.
type ArchivedChannel struct {
	ChannelID     string `gorm:"primaryKey;size:80"`
	ParticipantA  string `gorm:"size:64;index"`
	ParticipantB  string `gorm:"size:64;index"`
	Capacity      uint64
	FinalBalanceA uint64
	FinalBalanceB uint64
	FinalSequence uint64
	EscrowTx      string `gorm:"size:80"`
	SettlementTx  string `gorm:"size:80"`
	Forced        bool
	Reason        string `gorm:"size:64"`
	OpenedAt      time.Time
	ClosedAt      time.Time
}

func (ArchivedChannel) TableName() string { return "paycore_archived_channels" }

// Journal is a paycore.Recorder backed by a SQL database. Write failures
// are logged and never returned.
type Journal struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

var _ paycore.Recorder = (*Journal)(nil)

// Open opens a sqlite database at dsn and migrates the journal tables.
func Open(dsn string, logger *zap.Logger) (*Journal, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if strings.Contains(dsn, ":memory:") {
		// every pooled connection would get its own empty database
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db, logger)
}

// New wraps an open database, migrating the journal tables.
func New(db *gorm.DB, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&Transaction{}, &Audit{}, &ArchivedChannel{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}
	return &Journal{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the underlying connection pool.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (j *Journal) RecordTransaction(ctx context.Context, rec paycore.TransactionRecord) {
	row := Transaction{
		Kind:        rec.Kind,
		Source:      rec.Source,
		Destination: rec.Destination,
		Amount:      uint64(rec.Amount),
		Asset:       string(rec.Asset),
		Memo:        rec.Memo,
		TxHash:      rec.TxHash,
		ChannelID:   rec.ChannelID,
		Status:      rec.Status,
		Error:       rec.Error,
		CreatedAt:   j.stamp(rec.CreatedAt),
	}
	if err := j.db.WithContext(ctx).Create(&row).Error; err != nil {
		j.logger.Warn("journal: transaction not recorded",
			zap.String("kind", rec.Kind),
			zap.String("tx_hash", rec.TxHash),
			zap.Error(err))
	}
}

func (j *Journal) RecordAudit(ctx context.Context, rec paycore.AuditRecord) {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		payload = []byte(fmt.Sprintf("%q", fmt.Sprint(rec.Payload)))
	}
	row := Audit{
		Action:    rec.Action,
		ChannelID: rec.ChannelID,
		Payload:   string(payload),
		Result:    rec.Result,
		CreatedAt: j.stamp(rec.CreatedAt),
	}
	if err := j.db.WithContext(ctx).Create(&row).Error; err != nil {
		j.logger.Warn("journal: audit not recorded",
			zap.String("action", rec.Action),
			zap.String("channel_id", rec.ChannelID),
			zap.Error(err))
	}
}

// ArchiveChannel stores the final state. Archiving the same channel twice
// keeps the latest settlement.
func (j *Journal) ArchiveChannel(ctx context.Context, snap paycore.ChannelSnapshot, settlement paycore.Settlement) {
	final := settlement.Final
	if final.ChannelID == "" {
		final = snap.Latest
	}
	row := ArchivedChannel{
		ChannelID:     snap.ID,
		ParticipantA:  snap.ParticipantA,
		ParticipantB:  snap.ParticipantB,
		Capacity:      uint64(snap.Capacity),
		FinalBalanceA: uint64(final.BalanceA),
		FinalBalanceB: uint64(final.BalanceB),
		FinalSequence: final.Sequence,
		EscrowTx:      snap.EscrowTx,
		SettlementTx:  settlement.TxHash,
		Forced:        settlement.Forced,
		Reason:        settlement.Reason,
		OpenedAt:      snap.OpenedAt,
		ClosedAt:      j.now().UTC(),
	}
	if err := j.db.WithContext(ctx).Save(&row).Error; err != nil {
		j.logger.Warn("journal: channel not archived",
			zap.String("channel_id", snap.ID),
			zap.Error(err))
	}
}

// Transactions returns recorded transactions involving address, newest
// first. An empty address returns all of them.
func (j *Journal) Transactions(ctx context.Context, address string, limit int) ([]Transaction, error) {
	q := j.db.WithContext(ctx).Order("created_at desc, id desc")
	if address != "" {
		q = q.Where("source = ? OR destination = ?", address, address)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []Transaction
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Audits returns the audit trail of a channel, oldest first.
func (j *Journal) Audits(ctx context.Context, channelID string) ([]Audit, error) {
	var rows []Audit
	err := j.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Order("created_at asc, id asc").
		Find(&rows).Error
	return rows, err
}

// Archived returns the archived state of a channel.
func (j *Journal) Archived(ctx context.Context, channelID string) (*ArchivedChannel, error) {
	var row ArchivedChannel
	err := j.db.WithContext(ctx).First(&row, "channel_id = ?", channelID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, paycore.NewPaymentError(paycore.ErrCodeChannelNotFound, "channel not archived", map[string]interface{}{"channelId": channelID})
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (j *Journal) stamp(t time.Time) time.Time {
	if t.IsZero() {
		return j.now().UTC()
	}
	return t.UTC()
}
