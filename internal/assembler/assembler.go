// Package assembler merges ranked evidence with bounded conversation
// memory into a grounded prompt, enforcing the size budget with evidence
// integrity prioritized over conversational history.
package assembler

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/lumora-ai/grounding/internal/domain"
)

// Instruction is the factuality payload sent ahead of the evidence. The
// downstream model must not assert product facts absent from it.
const Instruction = `You are a pre-sale shopping assistant. Use the product information below to answer naturally, as in a casual conversation, but treat it as the only source of product facts. Cite the SKU in square brackets when you mention a product. If the product information does not contain the fact the customer asks about, say you do not have that information. Never invent product attributes, prices, stock status, or SKUs.`

// Config holds assembly bounds.
type Config struct {
	MaxTurns         int // memory window in turns
	BudgetChars      int // hard cap on the rendered prompt, in runes
	MinEvidenceChars int // evidence floor under truncation
}

// ApplyDefaults fills zero fields with defaults.
func (c *Config) ApplyDefaults() {
	if c.MaxTurns <= 0 {
		c.MaxTurns = 10
	}
	if c.BudgetChars <= 0 {
		c.BudgetChars = 8000
	}
	if c.MinEvidenceChars <= 0 {
		c.MinEvidenceChars = 200
	}
}

// Service assembles grounded prompts.
type Service struct {
	cfg    Config
	memory domain.MemoryStore // may be nil
	logger *zap.Logger
}

// New creates an assembler. memory may be nil when no conversation
// memory store is wired.
func New(cfg Config, memory domain.MemoryStore, logger *zap.Logger) *Service {
	cfg.ApplyDefaults()
	return &Service{cfg: cfg, memory: memory, logger: logger}
}

// Assemble builds the grounded prompt for a query and its evidence.
//
// When the combined payload exceeds the budget, memory is truncated from
// the oldest turn forward before any evidence is cut; evidence is then
// dropped lowest-ranked first, and the top chunk is finally clipped no
// shorter than the configured floor. ErrBudgetExceeded means even the
// zero-memory, minimum-evidence prompt cannot fit.
func (s *Service) Assemble(
	ctx context.Context, sessionID, query string, evidence []domain.Evidence,
) (domain.GroundedPrompt, error) {
	if strings.TrimSpace(query) == "" {
		return domain.GroundedPrompt{}, domain.ErrEmptyQuery
	}

	prompt := domain.GroundedPrompt{
		Instruction: Instruction,
		Evidence:    append([]domain.Evidence(nil), evidence...),
		History:     s.recentTurns(ctx, sessionID),
		Query:       query,
	}

	if size(prompt) <= s.cfg.BudgetChars {
		return prompt, nil
	}

	// Memory goes first, oldest turn forward.
	for len(prompt.History) > 0 && size(prompt) > s.cfg.BudgetChars {
		prompt.History = prompt.History[1:]
	}
	if size(prompt) <= s.cfg.BudgetChars {
		return prompt, nil
	}

	// Then evidence, lowest-ranked first, keeping at least the top chunk.
	for len(prompt.Evidence) > 1 && size(prompt) > s.cfg.BudgetChars {
		prompt.Evidence = prompt.Evidence[:len(prompt.Evidence)-1]
	}
	if size(prompt) <= s.cfg.BudgetChars {
		return prompt, nil
	}

	// Last resort: clip the top chunk, never below the evidence floor.
	if len(prompt.Evidence) == 1 {
		over := size(prompt) - s.cfg.BudgetChars
		text := []rune(prompt.Evidence[0].Chunk.Text)
		keep := len(text) - over
		if keep < s.cfg.MinEvidenceChars {
			keep = s.cfg.MinEvidenceChars
		}
		if keep < len(text) {
			clipped := prompt.Evidence[0]
			clipped.Chunk.Text = string(text[:keep])
			prompt.Evidence[0] = clipped
			s.logger.Debug("clipped top evidence chunk",
				zap.String("chunk_id", clipped.Chunk.ID),
				zap.Int("kept_chars", keep),
			)
		}
	}
	if size(prompt) <= s.cfg.BudgetChars {
		return prompt, nil
	}

	return domain.GroundedPrompt{}, fmt.Errorf(
		"prompt needs %d chars, budget is %d: %w",
		size(prompt), s.cfg.BudgetChars, domain.ErrBudgetExceeded,
	)
}

// recentTurns reads the bounded memory window. Memory store failures are
// recoverable: the prompt is assembled evidence-only.
func (s *Service) recentTurns(ctx context.Context, sessionID string) []domain.Turn {
	if s.memory == nil || sessionID == "" {
		return nil
	}
	turns, err := s.memory.Recent(ctx, sessionID, s.cfg.MaxTurns)
	if err != nil {
		s.logger.Warn("failed to read conversation memory",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return nil
	}
	if len(turns) > s.cfg.MaxTurns {
		turns = turns[len(turns)-s.cfg.MaxTurns:]
	}
	return turns
}

// RecentTurns reads up to maxTurns of the session's memory window
// without assembling a prompt.
func (s *Service) RecentTurns(ctx context.Context, sessionID string, maxTurns int) ([]domain.Turn, error) {
	if s.memory == nil || sessionID == "" {
		return nil, nil
	}
	turns, err := s.memory.Recent(ctx, sessionID, maxTurns)
	if err != nil {
		return nil, err
	}
	if len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	return turns, nil
}

func size(p domain.GroundedPrompt) int {
	return utf8.RuneCountInString(p.Render())
}
