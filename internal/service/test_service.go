package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/digkill/TestborBot/internal/config"
	"github.com/digkill/TestborBot/internal/models"
	"github.com/digkill/TestborBot/internal/repository"
)

var (
	ErrQuotaExceeded    = errors.New("free test quota exhausted")
	ErrTooManyQuestions = errors.New("too many questions requested")
	ErrEmptySubject     = errors.New("subject cannot be empty")
)

// Generator produces numbered test questions as plain text.
type Generator interface {
	GenerateQuestions(ctx context.Context, subject, description string, count, startNumber int) (string, error)
}

type TestRequest struct {
	Subject     string
	Description string
	Questions   int
}

type TestResult struct {
	Record      *models.TestRecord
	Text        string
	Questions   int
	RewardStars int64
}

type TestService struct {
	cfg          config.Config
	log          *slog.Logger
	ledger       *repository.Ledger
	entitlements *EntitlementService
	generator    Generator
}

func NewTestService(cfg config.Config, log *slog.Logger, ledger *repository.Ledger, entitlements *EntitlementService, generator Generator) *TestService {
	return &TestService{
		cfg:          cfg,
		log:          log,
		ledger:       ledger,
		entitlements: entitlements,
		generator:    generator,
	}
}

// Generate reserves a quota slot, produces the test and pays the star reward.
// The slot is returned when generation or logging fails.
func (s *TestService) Generate(ctx context.Context, userID int64, req TestRequest) (*TestResult, error) {
	req.Subject = strings.TrimSpace(req.Subject)
	if req.Subject == "" {
		return nil, ErrEmptySubject
	}
	if req.Questions <= 0 {
		return nil, fmt.Errorf("%w: need at least one question", ErrTooManyQuestions)
	}

	acc, err := s.ledger.Accounts.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, ErrAccountNotFound
	}
	if max := s.entitlements.MaxQuestions(*acc); req.Questions > max {
		return nil, fmt.Errorf("%w: limit is %d", ErrTooManyQuestions, max)
	}
	if CheckQuota(*acc) == QuotaExceeded {
		return nil, ErrQuotaExceeded
	}

	reserved, err := s.ledger.Accounts.IncrementTestCount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !reserved {
		if acc, err := s.ledger.Accounts.Get(ctx, userID); err == nil && acc == nil {
			s.log.Debug("increment test count: account not found", "user_id", userID)
			return nil, ErrAccountNotFound
		}
		return nil, ErrQuotaExceeded
	}

	text, err := s.generateChunks(ctx, req)
	if err != nil {
		s.refundSlot(ctx, userID)
		return nil, fmt.Errorf("generate test: %w", err)
	}

	var record *models.TestRecord
	err = s.ledger.InTx(ctx, func(tx *repository.Ledger) error {
		var err error
		record, err = tx.Tests.Log(ctx, userID, req.Subject, req.Description, req.Questions)
		if err != nil {
			return err
		}
		counted, err := tx.Accounts.RecordTestGenerated(ctx, userID)
		if err != nil {
			return err
		}
		if !counted {
			s.log.Debug("record test generated: account not found", "user_id", userID)
			return ErrAccountNotFound
		}
		return nil
	})
	if err != nil {
		s.refundSlot(ctx, userID)
		return nil, fmt.Errorf("log test: %w", err)
	}

	reward, err := s.entitlements.RewardStarsForTestGeneration(ctx, userID, req.Questions)
	if err != nil {
		s.log.Error("failed to credit test reward", "user_id", userID, "err", err)
	}

	s.log.Info("test generated", "user_id", userID, "questions", req.Questions, "reward", reward)
	return &TestResult{Record: record, Text: text, Questions: req.Questions, RewardStars: reward}, nil
}

func (s *TestService) refundSlot(ctx context.Context, userID int64) {
	if err := s.ledger.Accounts.RefundTestCount(ctx, userID); err != nil {
		s.log.Error("refund test slot", "user_id", userID, "err", err)
	}
}

// generateChunks splits large tests so every request stays within the model's
// output window. Chunks run concurrently and are joined in order.
func (s *TestService) generateChunks(ctx context.Context, req TestRequest) (string, error) {
	size := s.cfg.QuestionsPerChunk
	if size <= 0 {
		size = req.Questions
	}
	chunks := (req.Questions + size - 1) / size
	parts := make([]string, chunks)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(3)
	for i := 0; i < chunks; i++ {
		i := i
		start := i*size + 1
		count := size
		if remaining := req.Questions - i*size; remaining < count {
			count = remaining
		}
		g.Go(func() error {
			text, err := s.generator.GenerateQuestions(gctx, req.Subject, req.Description, count, start)
			if err != nil {
				return fmt.Errorf("questions %d-%d: %w", start, start+count-1, err)
			}
			parts[i] = strings.TrimSpace(text)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	return strings.Join(parts, "\n\n"), nil
}

func (s *TestService) ListTests(ctx context.Context, userID int64, limit int) ([]models.TestRecord, error) {
	return s.ledger.Tests.ListForUser(ctx, userID, limit)
}
