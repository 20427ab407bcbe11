package referral

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/maxkov-dev/xuiBot/clients/timeutil"
)

// Статусы бонуса: бонус начисляется не за регистрацию, а за первую
// оплату приглашённого.
const (
	BonusNone = "Нет бонуса"
	BonusPaid = "Оплатил"
)

// Record — строка реферальной книги. У пригласившего есть одна
// "открытая" запись с пустым InvitedID — это его персональный код;
// каждая закрытая запись фиксирует одного приглашённого.
type Record struct {
	ID          uint   `gorm:"primaryKey"`
	InviterID   int64  `gorm:"index;not null"`
	InvitedID   *int64 `gorm:"uniqueIndex"`
	Code        string `gorm:"size:16;index;not null"`
	BonusStatus string `gorm:"size:32"`
	CreatedAt   time.Time
}

type Ledger struct {
	db *gorm.DB
}

func Open(path string) (*Ledger, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("referral: open db: %w", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("referral: migrate: %w", err)
	}
	return &Ledger{db: db}, nil
}

// GetOrCreateCode возвращает код пригласившего; если у него ещё нет ни
// одной записи — чеканит новый и сохраняет открытую запись.
func (l *Ledger) GetOrCreateCode(inviterID int64) (string, error) {
	var rec Record
	err := l.db.Where("inviter_id = ?", inviterID).Order("id").First(&rec).Error
	if err == nil {
		return rec.Code, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	rec = Record{
		InviterID:   inviterID,
		Code:        timeutil.GenerateRefCode(),
		BonusStatus: BonusNone,
	}
	if err := l.db.Create(&rec).Error; err != nil {
		return "", err
	}
	return rec.Code, nil
}

// FindInviterByCode — владелец кода из стартовой ссылки.
func (l *Ledger) FindInviterByCode(code string) (int64, bool) {
	var rec Record
	err := l.db.Where("code = ?", code).Order("id").First(&rec).Error
	if err != nil {
		return 0, false
	}
	return rec.InviterID, true
}

// RecordReferral фиксирует связь пригласивший→приглашённый не более
// одного раза: если приглашённый уже встречается в любой записи,
// повторный вызов — no-op.
func (l *Ledger) RecordReferral(inviterID, invitedID int64, code string) error {
	var count int64
	if err := l.db.Model(&Record{}).Where("invited_id = ?", invitedID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	rec := Record{
		InviterID:   inviterID,
		InvitedID:   &invitedID,
		Code:        code,
		BonusStatus: BonusNone,
	}
	return l.db.Create(&rec).Error
}

// ListInvitedBy — все приглашённые данного пользователя.
func (l *Ledger) ListInvitedBy(inviterID int64) ([]Record, error) {
	var recs []Record
	err := l.db.Where("inviter_id = ? AND invited_id IS NOT NULL", inviterID).
		Order("id").Find(&recs).Error
	return recs, err
}

// MarkPaid отмечает первую оплату приглашённого — условие выдачи бонуса.
func (l *Ledger) MarkPaid(invitedID int64) error {
	return l.db.Model(&Record{}).
		Where("invited_id = ?", invitedID).
		Update("bonus_status", BonusPaid).Error
}
