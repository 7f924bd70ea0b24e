package fiscal

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dentalclinic/billing/internal/platform/apperror"
)

type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Service struct {
	repo      Repository
	tx        TxRunner
	threshold int64
	now       func() time.Time
	logger    zerolog.Logger
}

func NewService(repo Repository, tx TxRunner) *Service {
	return &Service{repo: repo, tx: tx, threshold: NearExhaustionThreshold, now: time.Now, logger: zerolog.Nop()}
}

func (s *Service) SetLogger(l zerolog.Logger) { s.logger = l }

// SetThreshold only affects the near-exhaustion flag reported in views.
func (s *Service) SetThreshold(n int64) {
	if n > 0 {
		s.threshold = n
	}
}

func (s *Service) View(seq *Sequence) *SequenceView {
	return seq.View(s.now(), s.threshold)
}

type CreateSequenceInput struct {
	CAI               string
	InvoiceType       InvoiceType
	RangeStart        string
	RangeEnd          string
	Branch            string
	PointOfEmission   string
	AuthorizationDate time.Time
	ExpirationDate    time.Time
	CreatedBy         string
}

// parseRange validates same-width digit strings and returns their values
// and width.
func parseRange(start, end string) (int64, int64, int, error) {
	for name, v := range map[string]string{"range_start": start, "range_end": end} {
		if v == "" || strings.Trim(v, "0123456789") != "" {
			return 0, 0, 0, apperror.Validation("%s must contain only digits", name)
		}
		if len(v) > maxRangeWidth {
			return 0, 0, 0, apperror.Validation("%s must have at most %d digits", name, maxRangeWidth)
		}
	}
	if len(start) != len(end) {
		return 0, 0, 0, apperror.Validation("range_start and range_end must have the same width (%d vs %d digits)", len(start), len(end))
	}
	lo, _ := strconv.ParseInt(start, 10, 64)
	hi, _ := strconv.ParseInt(end, 10, 64)
	if lo >= hi {
		return 0, 0, 0, apperror.Validation("range_start must be lower than range_end")
	}
	return lo, hi, len(start), nil
}

// CreateSequence registers a CAI. It starts active when its type has no
// active sequence, otherwise it waits as a standby for the auto-switch.
func (s *Service) CreateSequence(ctx context.Context, in CreateSequenceInput) (*Sequence, error) {
	in.CAI = strings.TrimSpace(in.CAI)
	if in.CAI == "" {
		return nil, apperror.Validation("cai is required")
	}
	if !in.InvoiceType.Valid() {
		return nil, apperror.Validation("invalid invoice type %q", in.InvoiceType)
	}
	if strings.TrimSpace(in.Branch) == "" || strings.TrimSpace(in.PointOfEmission) == "" {
		return nil, apperror.Validation("branch and point_of_emission are required")
	}
	lo, hi, width, err := parseRange(in.RangeStart, in.RangeEnd)
	if err != nil {
		return nil, err
	}
	if !in.ExpirationDate.After(in.AuthorizationDate) {
		return nil, apperror.Validation("expiration_date must be after authorization_date")
	}

	seq := &Sequence{
		CAI:               in.CAI,
		InvoiceType:       in.InvoiceType,
		RangeStart:        lo,
		RangeEnd:          hi,
		CurrentNumber:     lo,
		Width:             width,
		Branch:            in.Branch,
		PointOfEmission:   in.PointOfEmission,
		AuthorizationDate: in.AuthorizationDate,
		ExpirationDate:    in.ExpirationDate,
		CreatedBy:         in.CreatedBy,
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.LockType(ctx, seq.InvoiceType); err != nil {
			return fmt.Errorf("lock fiscal numbering: %w", err)
		}
		exists, err := s.repo.ExistsCAI(ctx, seq.CAI)
		if err != nil {
			return fmt.Errorf("check cai: %w", err)
		}
		if exists {
			return apperror.Rule("CAI %s is already registered", seq.CAI)
		}
		active, err := s.repo.Active(ctx, seq.InvoiceType)
		if err != nil {
			return fmt.Errorf("load active sequence: %w", err)
		}
		seq.IsActive = active == nil
		return s.repo.Create(ctx, seq)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("cai", seq.CAI).
		Str("invoice_type", string(seq.InvoiceType)).
		Bool("active", seq.IsActive).
		Msg("fiscal sequence created")
	return seq, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Sequence, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]*Sequence, error) {
	return s.repo.List(ctx)
}

// Activate makes id the only active sequence of its type. Used, expired and
// exhausted sequences cannot be activated.
func (s *Service) Activate(ctx context.Context, id uuid.UUID) (*Sequence, error) {
	var seq *Sequence
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		current, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := s.repo.LockType(ctx, current.InvoiceType); err != nil {
			return fmt.Errorf("lock fiscal numbering: %w", err)
		}
		if seq, err = s.repo.GetForUpdate(ctx, id); err != nil {
			return err
		}

		switch {
		case seq.HasBeenUsed:
			return apperror.Rule("fiscal sequence %s has already been used and cannot be reactivated", seq.CAI)
		case seq.IsExpiredAt(s.now()):
			return apperror.Rule("fiscal sequence %s expired on %s", seq.CAI, seq.ExpirationDate.Format("2006-01-02"))
		case seq.IsExhausted():
			return apperror.Rule("fiscal sequence %s is exhausted", seq.CAI)
		}

		if err := s.repo.DeactivateOthers(ctx, seq.InvoiceType, seq.ID); err != nil {
			return fmt.Errorf("deactivate sequences: %w", err)
		}
		if !seq.IsActive {
			if err := s.repo.SetActive(ctx, seq.ID, true); err != nil {
				return err
			}
			seq.IsActive = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("cai", seq.CAI).Str("invoice_type", string(seq.InvoiceType)).Msg("fiscal sequence activated")
	return seq, nil
}

// Deactivate clears the active flag. The used flag is kept, so a consumed
// sequence stays retired.
func (s *Service) Deactivate(ctx context.Context, id uuid.UUID) (*Sequence, error) {
	var seq *Sequence
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if seq, err = s.repo.GetForUpdate(ctx, id); err != nil {
			return err
		}
		if !seq.IsActive {
			return nil
		}
		if err := s.repo.SetActive(ctx, id, false); err != nil {
			return err
		}
		seq.IsActive = false
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("cai", seq.CAI).Msg("fiscal sequence deactivated")
	return seq, nil
}
