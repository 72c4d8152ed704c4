// Package registry records offered transfers: the code a receiver types in,
// the announced metadata, and the one-time verification token that closes a
// transfer once the receiver has verified the file.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"peerdrop/internal/config"
	"peerdrop/pkg/types"
	"peerdrop/pkg/utils"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrNotFound          = errors.New("transfer not found")
	ErrExpired           = errors.New("transfer has expired")
	ErrExhausted         = errors.New("transfer has no downloads left")
	ErrPasswordRequired  = errors.New("transfer is password protected")
	ErrWrongPassword     = errors.New("incorrect password")
	ErrAlreadyComplete   = errors.New("transfer already completed")
	ErrInvalidToken      = errors.New("unknown verification token")
	ErrCodeSpace         = errors.New("could not allocate a unique transfer code")
	ErrInvalidRecipients = errors.New("max recipients must be at least 1")
)

// Registry is implemented by the local Store and by the HTTP client.
type Registry interface {
	CreateTransfer(ctx context.Context, req types.CreateTransferRequest) (*types.Ticket, error)
	LookupTransfer(ctx context.Context, code, password string) (*types.TransferInfo, error)
	Complete(ctx context.Context, token string) error
	Stats(ctx context.Context) (*types.Stats, error)
}

// Transfer is the stored record of one offered file.
type Transfer struct {
	ID                 uint      `gorm:"primaryKey"`
	Code               string    `gorm:"uniqueIndex;size:16;not null"`
	FileName           string    `gorm:"not null"`
	FileSize           int64
	FileType           string
	Checksum           string    `gorm:"size:64;not null"`
	PasswordHash       string    `gorm:"size:128"`
	MaxRecipients      int       `gorm:"not null;default:1"`
	DownloadsCompleted int       `gorm:"not null;default:0"`
	Verification       string    `gorm:"uniqueIndex;size:32;not null"`
	Complete           bool      `gorm:"not null;default:false"`
	ExpiresAt          time.Time `gorm:"index"`
	CreatedAt          time.Time
}

func (t *Transfer) metadata() types.FileMetadata {
	return types.FileMetadata{Name: t.FileName, Size: t.FileSize, Type: t.FileType, Checksum: t.Checksum}
}

// Store is a Registry backed by sqlite through gorm.
type Store struct {
	db          *gorm.DB
	ttl         time.Duration
	codeLength  int
	maxAttempts int
	now         func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (or creates) the database at cfg.DatabasePath. ":memory:" gives
// a private in-memory database.
func Open(cfg config.RegistryConfig, opts ...Option) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(cfg.DatabasePath), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; an in-memory database also only exists on
	// the connection that created it
	sqlDB.SetMaxOpenConns(1)

	return New(db, cfg, opts...)
}

// New wraps an open database and migrates the schema.
func New(db *gorm.DB, cfg config.RegistryConfig, opts ...Option) (*Store, error) {
	if err := db.AutoMigrate(&Transfer{}); err != nil {
		return nil, fmt.Errorf("failed to migrate registry schema: %w", err)
	}
	s := &Store{
		db:          db,
		ttl:         cfg.TransferTTL,
		codeLength:  cfg.CodeLength,
		maxAttempts: cfg.MaxCodeAttempts,
		now:         time.Now,
	}
	if s.codeLength <= 0 {
		s.codeLength = utils.DefaultCodeLength
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = 10
	}
	if s.ttl <= 0 {
		s.ttl = 24 * time.Hour
	}
	for _, opt := range opts {
		opt(s)
	}
	// timestamps are compared as stored text, so keep them in one zone
	clock := s.now
	s.now = func() time.Time { return clock().UTC() }
	return s, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateTransfer stores a new transfer under a fresh code.
func (s *Store) CreateTransfer(ctx context.Context, req types.CreateTransferRequest) (*types.Ticket, error) {
	if err := req.Metadata.Validate(); err != nil {
		return nil, err
	}
	recipients := req.MaxRecipients
	if recipients == 0 {
		recipients = 1
	}
	if recipients < 0 {
		return nil, ErrInvalidRecipients
	}

	var hash string
	if req.Password != "" {
		var err error
		if hash, err = hashPassword(req.Password); err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
	}

	now := s.now()
	record := &Transfer{
		FileName:      req.Metadata.Name,
		FileSize:      req.Metadata.Size,
		FileType:      req.Metadata.Type,
		Checksum:      req.Metadata.Checksum,
		PasswordHash:  hash,
		MaxRecipients: recipients,
		Verification:  strings.ReplaceAll(uuid.NewString(), "-", ""),
		ExpiresAt:     now.Add(s.ttl),
		CreatedAt:     now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for range s.maxAttempts {
			code, err := utils.GenerateCode(s.codeLength)
			if err != nil {
				return err
			}
			var taken int64
			if err := tx.Model(&Transfer{}).Where("code = ?", code).Count(&taken).Error; err != nil {
				return err
			}
			if taken == 0 {
				record.Code = code
				return tx.Create(record).Error
			}
		}
		return ErrCodeSpace
	})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"code": record.Code,
		"file": record.FileName,
		"size": record.FileSize,
	}).Info("Registered transfer")

	return &types.Ticket{Code: record.Code, Token: record.Verification, ExpiresAt: record.ExpiresAt}, nil
}

// LookupTransfer returns what a receiver may know about code.
func (s *Store) LookupTransfer(ctx context.Context, code, password string) (*types.TransferInfo, error) {
	var t Transfer
	if err := s.db.WithContext(ctx).First(&t, "code = ?", code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	switch {
	case s.now().After(t.ExpiresAt):
		return nil, ErrExpired
	case t.Complete || t.DownloadsCompleted >= t.MaxRecipients:
		return nil, ErrExhausted
	}

	if t.PasswordHash != "" {
		if password == "" {
			return nil, ErrPasswordRequired
		}
		ok, err := verifyPassword(password, t.PasswordHash)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrWrongPassword
		}
	}

	return &types.TransferInfo{
		Code:               t.Code,
		Metadata:           t.metadata(),
		Protected:          t.PasswordHash != "",
		RemainingDownloads: t.MaxRecipients - t.DownloadsCompleted,
		ExpiresAt:          t.ExpiresAt,
	}, nil
}

// Complete redeems a verification token for one finished download.
func (s *Store) Complete(ctx context.Context, token string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t Transfer
		if err := tx.First(&t, "verification = ?", token).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrInvalidToken
			}
			return err
		}
		if t.Complete {
			return ErrAlreadyComplete
		}
		if s.now().After(t.ExpiresAt) {
			return ErrExpired
		}

		t.DownloadsCompleted++
		t.Complete = t.DownloadsCompleted >= t.MaxRecipients
		if err := tx.Model(&t).Select("downloads_completed", "complete").Updates(&t).Error; err != nil {
			return err
		}

		logrus.WithFields(logrus.Fields{
			"code":      t.Code,
			"downloads": t.DownloadsCompleted,
			"complete":  t.Complete,
		}).Info("Transfer completed")
		return nil
	})
}

// Stats sums completed downloads over all retained transfers.
func (s *Store) Stats(ctx context.Context) (*types.Stats, error) {
	var stats types.Stats
	err := s.db.WithContext(ctx).Model(&Transfer{}).
		Select("COALESCE(SUM(downloads_completed), 0) AS completed_transfers, " +
			"COALESCE(SUM(file_size * downloads_completed), 0) AS bytes_transferred").
		Scan(&stats).Error
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// PurgeExpired deletes transfers past their expiry and returns how many went.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at < ?", s.now()).Delete(&Transfer{})
	return res.RowsAffected, res.Error
}

// Run purges expired transfers every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PurgeExpired(ctx)
			if err != nil {
				logrus.WithError(err).Warn("Failed to purge expired transfers")
				continue
			}
			if n > 0 {
				logrus.WithField("purged", n).Debug("Purged expired transfers")
			}
		}
	}
}
