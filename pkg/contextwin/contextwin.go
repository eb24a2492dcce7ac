// Package contextwin keeps a dialog within the model's context window by
// applying a configured truncation strategy before each query.
package contextwin

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tiktoken-go/tokenizer"

	"agentrun/pkg/dialog"
	"agentrun/pkg/logx"
)

// Strategy selects how an oversized dialog is trimmed.
type Strategy string

const (
	// StrategyNone never trims.
	StrategyNone Strategy = "none"
	// StrategyLatestHalf keeps system messages plus the most recent half
	// of the non-system messages.
	StrategyLatestHalf Strategy = "latest_half"
	// StrategySlidingWindow evicts whole turns, oldest first.
	StrategySlidingWindow Strategy = "sliding_window"
	// StrategySummary is reserved. Invoking it is an error, not a no-op:
	// silently skipping compression would let the dialog grow unbounded.
	StrategySummary Strategy = "summary"
)

var (
	// ErrContextOverflow means even the minimal preserved content (system
	// messages plus the latest turn) exceeds the window.
	ErrContextOverflow = errors.New("dialog exceeds the context window even after truncation")
	// ErrSummaryUnsupported is returned when the summary strategy is invoked.
	ErrSummaryUnsupported = errors.New("summary truncation strategy is not implemented")
)

// perMessageOverhead approximates the per-message wire framing cost.
const perMessageOverhead = 4

// Config tunes the manager.
type Config struct {
	// MaxTokens is the hard window size.
	MaxTokens int
	// ReserveTokens is the safety margin held back for the model's reply.
	ReserveTokens int
	// Strategy selects the truncation policy.
	Strategy Strategy
	// KeepSystem preserves system messages across truncation.
	KeepSystem bool
	// KeepTurns is the minimum number of most-recent turns the sliding
	// window retains regardless of budget.
	KeepTurns int
}

// Manager estimates dialog size and trims it to fit the window.
type Manager struct {
	cfg    Config
	codec  tokenizer.Codec
	logger *logx.Logger
}

// NewManager creates a manager. Token counts use the GPT-4 encoding; when
// the codec cannot be constructed the manager falls back to a bytes/4
// estimate, which over-counts slightly and therefore errs toward trimming.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.MaxTokens <= 0 {
		return nil, fmt.Errorf("max_tokens must be positive, got %d", cfg.MaxTokens)
	}
	if cfg.ReserveTokens < 0 || cfg.ReserveTokens >= cfg.MaxTokens {
		return nil, fmt.Errorf("reserve_tokens %d out of range for max_tokens %d", cfg.ReserveTokens, cfg.MaxTokens)
	}
	switch cfg.Strategy {
	case StrategyNone, StrategyLatestHalf, StrategySlidingWindow, StrategySummary:
	case "":
		cfg.Strategy = StrategyNone
	default:
		return nil, fmt.Errorf("unknown truncation strategy %q", cfg.Strategy)
	}
	if cfg.KeepTurns < 1 {
		cfg.KeepTurns = 1
	}

	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		codec = nil
	}
	return &Manager{
		cfg:    cfg,
		codec:  codec,
		logger: logx.NewLogger("contextwin"),
	}, nil
}

// Strategy returns the configured truncation strategy.
func (m *Manager) Strategy() Strategy {
	return m.cfg.Strategy
}

// countText returns the token count of one string.
func (m *Manager) countText(text string) int {
	if m.codec != nil {
		if n, err := m.codec.Count(text); err == nil {
			return n
		}
	}
	return len(text) / 4
}

// EstimateTokens returns a deterministic size estimate for the dialog.
func (m *Manager) EstimateTokens(d *dialog.Dialog) int {
	total := 0
	for _, msg := range d.Messages() {
		total += m.estimateMessage(msg)
	}
	return total
}

func (m *Manager) estimateMessage(msg dialog.Message) int {
	n := perMessageOverhead + m.countText(string(msg.Role)) + m.countText(msg.Content)
	for _, call := range msg.ToolCalls {
		n += m.countText(call.Name)
		if args, err := json.Marshal(call.Args); err == nil {
			n += m.countText(string(args))
		}
	}
	return n
}

// budget is the usable window after the reply reserve.
func (m *Manager) budget() int {
	return m.cfg.MaxTokens - m.cfg.ReserveTokens
}

// ShouldTruncate reports whether the dialog exceeds the usable budget.
func (m *Manager) ShouldTruncate(d *dialog.Dialog) bool {
	return m.EstimateTokens(d) > m.budget()
}

// Truncate applies the configured strategy and returns a new dialog; the
// input is never mutated.
func (m *Manager) Truncate(d *dialog.Dialog) (*dialog.Dialog, error) {
	switch m.cfg.Strategy {
	case StrategyNone:
		return d.Clone(), nil
	case StrategyLatestHalf:
		return m.truncateLatestHalf(d), nil
	case StrategySlidingWindow:
		return m.truncateSlidingWindow(d), nil
	case StrategySummary:
		return nil, ErrSummaryUnsupported
	default:
		return nil, fmt.Errorf("unknown truncation strategy %q", m.cfg.Strategy)
	}
}

// PrepareForQuery returns the dialog view to send to the model: untouched
// when it fits, truncated when it does not. When even the minimal preserved
// content cannot fit, it fails with ErrContextOverflow instead of sending an
// oversized request.
func (m *Manager) PrepareForQuery(d *dialog.Dialog) (*dialog.Dialog, error) {
	if !m.ShouldTruncate(d) {
		return d, nil
	}

	before := m.EstimateTokens(d)
	trimmed, err := m.Truncate(d)
	if err != nil {
		return nil, err
	}

	if after := m.EstimateTokens(trimmed); after > m.cfg.MaxTokens {
		minimal := m.minimalView(d)
		if m.EstimateTokens(minimal) > m.cfg.MaxTokens {
			return nil, fmt.Errorf("%w: %d tokens against a window of %d", ErrContextOverflow, after, m.cfg.MaxTokens)
		}
		m.logger.Warn("truncation left %d tokens over the window; falling back to minimal view", after-m.cfg.MaxTokens)
		trimmed = minimal
	}

	m.logger.Debug("truncated dialog from %d to %d tokens (strategy %s)", before, m.EstimateTokens(trimmed), m.cfg.Strategy)
	return trimmed, nil
}

// truncateLatestHalf keeps system messages plus the most recent half of the
// non-system messages, then drops tool results whose paired call fell off
// the cut so the view never starts with an orphan.
func (m *Manager) truncateLatestHalf(d *dialog.Dialog) *dialog.Dialog {
	msgs := d.Messages()

	var system, rest []dialog.Message
	for _, msg := range msgs {
		if msg.Role == dialog.RoleSystem && m.cfg.KeepSystem {
			system = append(system, msg)
		} else {
			rest = append(rest, msg)
		}
	}

	keep := (len(rest) + 1) / 2
	kept := rest[len(rest)-keep:]

	// A tool result whose call was dropped would dangle at the head.
	for len(kept) > 0 && kept[0].Role == dialog.RoleTool {
		kept = kept[1:]
	}

	out := d.Clone()
	out.Replace(append(append([]dialog.Message{}, system...), kept...))
	return out
}

// truncateSlidingWindow evicts whole turns oldest-first until the dialog
// fits or only KeepTurns turns remain. Because a turn is evicted as a unit,
// a call and its result always leave together.
func (m *Manager) truncateSlidingWindow(d *dialog.Dialog) *dialog.Dialog {
	out := d.Clone()

	for m.EstimateTokens(out) > m.budget() {
		msgs := out.Messages()

		oldest, turns := oldestTurn(msgs)
		if turns <= m.cfg.KeepTurns {
			break
		}

		kept := make([]dialog.Message, 0, len(msgs))
		for _, msg := range msgs {
			if msg.Role != dialog.RoleSystem && msg.Turn == oldest {
				continue
			}
			kept = append(kept, msg)
		}
		out.Replace(kept)
	}
	return out
}

// oldestTurn returns the smallest turn index among non-system messages and
// the number of distinct turns present.
func oldestTurn(msgs []dialog.Message) (int, int) {
	seen := map[int]struct{}{}
	oldest := 0
	first := true
	for _, msg := range msgs {
		if msg.Role == dialog.RoleSystem {
			continue
		}
		seen[msg.Turn] = struct{}{}
		if first || msg.Turn < oldest {
			oldest = msg.Turn
			first = false
		}
	}
	return oldest, len(seen)
}

// minimalView keeps only the system messages and the latest turn.
func (m *Manager) minimalView(d *dialog.Dialog) *dialog.Dialog {
	msgs := d.Messages()

	latest := 0
	for _, msg := range msgs {
		if msg.Role != dialog.RoleSystem && msg.Turn > latest {
			latest = msg.Turn
		}
	}

	kept := make([]dialog.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Role == dialog.RoleSystem || msg.Turn == latest {
			kept = append(kept, msg)
		}
	}

	out := d.Clone()
	out.Replace(kept)
	return out
}
