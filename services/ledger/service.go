package ledger

import (
	"context"
	"errors"
	"time"

	"tunegate/pkg/db"
	"tunegate/pkg/errutil"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Service owns user balances. All mutations run inside row-locked
// transactions keyed on the user's balance row, which serializes concurrent
// reserve/confirm/release calls for the same user.
type Service struct {
	db   *gorm.DB
	node *snowflake.Node
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,
	}
}

func traceFields(ctx context.Context) []zap.Field {
	span := trace.SpanFromContext(ctx)
	return []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	}
}

// EnsureAccount creates a zero balance row for the user if none exists.
func (s *Service) EnsureAccount(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Balance
		err := tx.Where(&Balance{UserID: userID}).First(&existing).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		now := time.Now()
		return tx.Create(&Balance{
			ID:        s.node.Generate().String(),
			UserID:    userID,
			Balance:   0,
			CreatedAt: now,
			UpdatedAt: now,
		}).Error
	})
}

func (s *Service) lockedBalance(ctx context.Context, tx *gorm.DB, userID string) (*Balance, error) {
	var balance Balance
	if err := db.ForUpdate(tx).WithContext(ctx).
		Where(&Balance{UserID: userID}).
		First(&balance).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("balance not found")
		}
		return nil, err
	}
	return &balance, nil
}

// Reserve places a hold of amount against the user's available balance.
// Idempotent per job: retrying with the same job id returns the existing
// reservation instead of creating a second hold.
func (s *Service) Reserve(ctx context.Context, userID, jobID string, amount int64) (*CreditReservation, error) {
	if amount <= 0 {
		return nil, errutil.InvalidInput("reserve amount must be > 0")
	}

	var reservation *CreditReservation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		balance, err := s.lockedBalance(ctx, tx, userID)
		if err != nil {
			return err
		}

		var existing CreditReservation
		err = tx.Where(&CreditReservation{JobID: jobID}).First(&existing).Error
		if err == nil {
			reservation = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var held int64
		if err := tx.Model(&CreditReservation{}).
			Select("COALESCE(SUM(amount), 0)").
			Where("user_id = ? AND state = ?", userID, ReservationHeld).
			Scan(&held).Error; err != nil {
			return err
		}

		if balance.Balance-held < amount {
			zap.L().With(traceFields(ctx)...).Warn("reservation refused",
				zap.String("user_id", userID),
				zap.String("job_id", jobID),
				zap.Int64("amount", amount),
				zap.Int64("balance", balance.Balance),
				zap.Int64("held", held),
			)
			return errutil.InsufficientCredits("available balance is below the requested amount")
		}

		now := time.Now()
		reservation = &CreditReservation{
			ID:        s.node.Generate().String(),
			UserID:    userID,
			JobID:     jobID,
			Amount:    amount,
			State:     ReservationHeld,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return tx.Create(reservation).Error
	})
	if err != nil {
		return nil, err
	}
	return reservation, nil
}

// Confirm turns a held reservation into a committed debit: appends a
// negative consumption entry to the chain and decrements the balance.
// Confirming an already-confirmed reservation returns the prior entry.
func (s *Service) Confirm(ctx context.Context, reservationID string) (*LedgerEntry, error) {
	var entry *LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var reservation CreditReservation
		if err := db.ForUpdate(tx).Where(&CreditReservation{ID: reservationID}).First(&reservation).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errutil.NotFound("reservation not found")
			}
			return err
		}

		switch reservation.State {
		case ReservationConfirmed:
			var existing LedgerEntry
			if err := tx.Where(&LedgerEntry{ID: reservation.EntryID}).First(&existing).Error; err != nil {
				return err
			}
			entry = &existing
			return nil
		case ReservationReleased:
			return errutil.InvalidState("reservation already released")
		}

		balance, err := s.lockedBalance(ctx, tx, reservation.UserID)
		if err != nil {
			return err
		}

		created, err := s.appendEntry(ctx, tx, EntryParams{
			UserID:      reservation.UserID,
			Type:        EntryTypeConsumption,
			Amount:      -reservation.Amount,
			ReferenceID: reservation.ID,
			Description: "job consumption",
		})
		if err != nil {
			return err
		}

		if err := tx.Model(&Balance{}).Where("id = ?", balance.ID).Updates(map[string]any{
			"balance":    gorm.Expr("balance - ?", reservation.Amount),
			"updated_at": time.Now(),
		}).Error; err != nil {
			return err
		}

		if err := tx.Model(&CreditReservation{}).Where("id = ?", reservation.ID).Updates(map[string]any{
			"state":      ReservationConfirmed,
			"entry_id":   created.ID,
			"updated_at": time.Now(),
		}).Error; err != nil {
			return err
		}

		entry = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Release undoes a hold. No ledger entry and no balance change: the amount
// was never committed. Releasing an already-released reservation is a no-op
// so settlement retries stay safe.
func (s *Service) Release(ctx context.Context, reservationID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var reservation CreditReservation
		if err := db.ForUpdate(tx).Where(&CreditReservation{ID: reservationID}).First(&reservation).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errutil.NotFound("reservation not found")
			}
			return err
		}

		switch reservation.State {
		case ReservationReleased:
			return nil
		case ReservationConfirmed:
			return errutil.InvalidState("reservation already confirmed")
		}

		return tx.Model(&CreditReservation{}).Where("id = ?", reservation.ID).Updates(map[string]any{
			"state":      ReservationReleased,
			"updated_at": time.Now(),
		}).Error
	})
}

type CreditParams struct {
	UserID      string
	Type        string
	Amount      int64
	ReferenceID string
	Description string
	Metadata    datatypes.JSON
}

// Credit appends a positive entry (recharge or grant) and increments the
// balance. Idempotent per reference id.
func (s *Service) Credit(ctx context.Context, p CreditParams) (*LedgerEntry, error) {
	if p.Amount <= 0 {
		return nil, errutil.InvalidInput("credit amount must be > 0")
	}
	if p.Type != EntryTypeRecharge && p.Type != EntryTypeGrant {
		return nil, errutil.InvalidInput("unsupported credit entry type")
	}

	var entry *LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		balance, err := s.lockedBalance(ctx, tx, p.UserID)
		if err != nil {
			return err
		}

		var existing LedgerEntry
		err = tx.Where(&LedgerEntry{ReferenceID: p.ReferenceID}).First(&existing).Error
		if err == nil {
			entry = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		created, err := s.appendEntry(ctx, tx, EntryParams{
			UserID:      p.UserID,
			Type:        p.Type,
			Amount:      p.Amount,
			ReferenceID: p.ReferenceID,
			Description: p.Description,
			Metadata:    p.Metadata,
		})
		if err != nil {
			return err
		}

		if err := tx.Model(&Balance{}).Where("id = ?", balance.ID).Updates(map[string]any{
			"balance":    gorm.Expr("balance + ?", p.Amount),
			"updated_at": time.Now(),
		}).Error; err != nil {
			return err
		}

		entry = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// appendEntry chains a new entry onto the user's ledger. Must run inside a
// transaction that already holds the user's balance row lock.
func (s *Service) appendEntry(ctx context.Context, tx *gorm.DB, p EntryParams) (*LedgerEntry, error) {
	var previousHash string
	var lastEntry LedgerEntry
	err := tx.Where(&LedgerEntry{UserID: p.UserID}).
		Order("created_at DESC, id DESC").
		First(&lastEntry).Error
	if err == nil {
		previousHash = lastEntry.Hash
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	p.EntryID = s.node.Generate().String()
	p.PreviousHash = previousHash

	entry := NewLedgerEntry(p)
	// created_at participates in the hash, set it before hashing rather
	// than leaving it to the gorm create hook.
	entry.CreatedAt = time.Now().UTC()
	entry.Hash = entry.GenerateHash()

	if err := tx.Create(entry).Error; err != nil {
		return nil, err
	}
	return entry, nil
}

// Balance returns the committed balance.
func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	var balance Balance
	if err := s.db.WithContext(ctx).Where(&Balance{UserID: userID}).First(&balance).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, errutil.NotFound("balance not found")
		}
		return 0, err
	}
	return balance.Balance, nil
}

// Available returns committed balance minus the sum of outstanding holds.
func (s *Service) Available(ctx context.Context, userID string) (int64, error) {
	committed, err := s.Balance(ctx, userID)
	if err != nil {
		return 0, err
	}

	var held int64
	if err := s.db.WithContext(ctx).Model(&CreditReservation{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("user_id = ? AND state = ?", userID, ReservationHeld).
		Scan(&held).Error; err != nil {
		return 0, err
	}

	return committed - held, nil
}

// ReservationByJob returns the reservation tied to a job, or nil.
func (s *Service) ReservationByJob(ctx context.Context, jobID string) (*CreditReservation, error) {
	var reservation CreditReservation
	err := s.db.WithContext(ctx).Where(&CreditReservation{JobID: jobID}).First(&reservation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &reservation, nil
}

// Entries lists the user's ledger, newest first.
func (s *Service) Entries(ctx context.Context, userID string) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	if err := s.db.WithContext(ctx).
		Where(&LedgerEntry{UserID: userID}).
		Order("created_at DESC, id DESC").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// StaleHolds returns reservations still held past the cutoff. The sweep task
// cross-checks each against its job before releasing.
func (s *Service) StaleHolds(ctx context.Context, cutoff time.Time) ([]CreditReservation, error) {
	var holds []CreditReservation
	if err := s.db.WithContext(ctx).
		Where("state = ? AND created_at < ?", ReservationHeld, cutoff).
		Find(&holds).Error; err != nil {
		return nil, err
	}
	return holds, nil
}

// VerifyChain walks the user's entries oldest-first and recomputes every
// hash link.
func (s *Service) VerifyChain(ctx context.Context, userID string) (bool, error) {
	var entries []LedgerEntry
	if err := s.db.WithContext(ctx).
		Where(&LedgerEntry{UserID: userID}).
		Order("created_at ASC, id ASC").
		Find(&entries).Error; err != nil {
		return false, err
	}

	var lastHash string
	for _, entry := range entries {
		if entry.Hash != entry.GenerateHash() || entry.PreviousHash != lastHash {
			zap.L().With(traceFields(ctx)...).Error("ledger chain broken",
				zap.String("user_id", userID),
				zap.String("entry_id", entry.ID),
			)
			return false, nil
		}
		lastHash = entry.Hash
	}
	return true, nil
}

// VerifyBalance checks the denormalized balance against the fold of entries.
func (s *Service) VerifyBalance(ctx context.Context, userID string) (bool, error) {
	committed, err := s.Balance(ctx, userID)
	if err != nil {
		return false, err
	}

	var sum int64
	if err := s.db.WithContext(ctx).Model(&LedgerEntry{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("user_id = ?", userID).
		Scan(&sum).Error; err != nil {
		return false, err
	}

	if committed != sum {
		zap.L().With(traceFields(ctx)...).Error("balance drift detected",
			zap.String("user_id", userID),
			zap.Int64("balance", committed),
			zap.Int64("entry_sum", sum),
		)
		return false, nil
	}
	return true, nil
}
