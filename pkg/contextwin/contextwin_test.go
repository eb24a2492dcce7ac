package contextwin

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrun/pkg/dialog"
)

func newManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := NewManager(cfg)
	require.NoError(t, err)
	return m
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(Config{MaxTokens: 0})
	assert.Error(t, err)

	_, err = NewManager(Config{MaxTokens: 100, ReserveTokens: 100})
	assert.Error(t, err)

	_, err = NewManager(Config{MaxTokens: 100, Strategy: "zip"})
	assert.Error(t, err)

	// Empty strategy defaults to none.
	m := newManager(t, Config{MaxTokens: 100})
	d := dialog.New(nil)
	d.Append(dialog.NewUserMessage("hello", 1))
	out, err := m.PrepareForQuery(d)
	require.NoError(t, err)
	assert.Equal(t, d.Messages(), out.Messages())
}

func TestEstimateTokensMonotonic(t *testing.T) {
	m := newManager(t, Config{MaxTokens: 1000})

	d := dialog.New(nil)
	prev := m.EstimateTokens(d)
	for i := 0; i < 10; i++ {
		d.Append(dialog.NewUserMessage(fmt.Sprintf("message number %d with some content", i), i))
		cur := m.EstimateTokens(d)
		assert.Greater(t, cur, prev)
		prev = cur
	}
}

func TestShouldTruncateHonorsReserve(t *testing.T) {
	m := newManager(t, Config{MaxTokens: 100, ReserveTokens: 60})

	d := dialog.New(nil)
	d.Append(dialog.NewUserMessage(strings.Repeat("word ", 50), 1))

	// Fits in 100 but not in the 40 left after the reserve.
	assert.LessOrEqual(t, m.EstimateTokens(d), 100)
	assert.True(t, m.ShouldTruncate(d))
}

func TestLatestHalfKeepsSystemPlusRecentHalf(t *testing.T) {
	m := newManager(t, Config{
		MaxTokens:  50,
		Strategy:   StrategyLatestHalf,
		KeepSystem: true,
	})

	d := dialog.New(nil)
	d.Append(dialog.NewSystemMessage("system prompt"))
	for i := 1; i <= 40; i++ {
		d.Append(dialog.NewUserMessage(fmt.Sprintf("message %d", i), i))
	}

	out := m.truncateLatestHalf(d)
	msgs := out.Messages()
	// System plus the most recent 20 of the 40 non-system messages.
	require.Len(t, msgs, 21)
	assert.Equal(t, dialog.RoleSystem, msgs[0].Role)
	assert.Equal(t, "message 21", msgs[1].Content)
	assert.Equal(t, "message 40", msgs[20].Content)

	// The source dialog is untouched.
	assert.Equal(t, 41, d.Len())
}

func TestLatestHalfDropsOrphanedToolResults(t *testing.T) {
	m := newManager(t, Config{MaxTokens: 50, Strategy: StrategyLatestHalf, KeepSystem: true})

	// Build so the cut lands between a call and its result.
	d := dialog.New(nil)
	d.Append(dialog.NewSystemMessage("sys"))
	d.Append(dialog.NewUserMessage("a", 1))
	d.Append(dialog.NewAssistantMessage("", []dialog.ToolCall{{ID: "c1", Name: "shell"}}, 1))
	d.Append(dialog.NewToolMessage("c1", "shell", "out", 1))
	d.Append(dialog.NewUserMessage("b", 2))

	// 4 non-system messages: keep the last 2 -> [tool result, user].
	out := m.truncateLatestHalf(d)
	for _, msg := range out.Messages() {
		if msg.Role == dialog.RoleTool {
			t.Fatalf("orphaned tool result survived truncation: %+v", msg)
		}
	}
	require.NoError(t, out.Validate())
}

func TestTruncateNeverSplitsCallResultPairs(t *testing.T) {
	for _, strategy := range []Strategy{StrategyLatestHalf, StrategySlidingWindow} {
		t.Run(string(strategy), func(t *testing.T) {
			m := newManager(t, Config{
				MaxTokens:  60,
				Strategy:   strategy,
				KeepSystem: true,
				KeepTurns:  1,
			})

			d := dialog.New(nil)
			d.Append(dialog.NewSystemMessage("sys"))
			for turn := 1; turn <= 12; turn++ {
				d.Append(dialog.NewUserMessage(fmt.Sprintf("task step %d with padding text", turn), turn))
				callID := fmt.Sprintf("call-%d", turn)
				d.Append(dialog.NewAssistantMessage("", []dialog.ToolCall{{ID: callID, Name: "shell"}}, turn))
				d.Append(dialog.NewToolMessage(callID, "shell", "some tool output here", turn))
			}
			require.True(t, m.ShouldTruncate(d))

			out, err := m.Truncate(d)
			require.NoError(t, err)
			// Pairing survives: every kept call has its result and vice versa.
			require.NoError(t, out.Validate())
			assert.Less(t, out.Len(), d.Len())
		})
	}
}

func TestSlidingWindowEvictsWholeTurnsOldestFirst(t *testing.T) {
	m := newManager(t, Config{
		MaxTokens:  80,
		Strategy:   StrategySlidingWindow,
		KeepSystem: true,
		KeepTurns:  2,
	})

	d := dialog.New(nil)
	d.Append(dialog.NewSystemMessage("sys"))
	for turn := 1; turn <= 6; turn++ {
		d.Append(dialog.NewUserMessage(fmt.Sprintf("step %d lorem ipsum dolor sit amet", turn), turn))
		d.Append(dialog.NewAssistantMessage(fmt.Sprintf("thinking about step %d", turn), nil, turn))
	}

	out := m.truncateSlidingWindow(d)

	// The system message survives and no turn is partially present.
	counts := map[int]int{}
	require.Equal(t, dialog.RoleSystem, out.Messages()[0].Role)
	for _, msg := range out.Messages()[1:] {
		counts[msg.Turn]++
	}
	for turn, n := range counts {
		assert.Equal(t, 2, n, "turn %d was partially evicted", turn)
	}

	// The most recent turn is always among the survivors.
	assert.Contains(t, counts, 6)
}

func TestSlidingWindowRespectsKeepTurns(t *testing.T) {
	// A budget nothing fits into still keeps KeepTurns turns.
	m := newManager(t, Config{
		MaxTokens:  10,
		Strategy:   StrategySlidingWindow,
		KeepSystem: true,
		KeepTurns:  2,
	})

	d := dialog.New(nil)
	for turn := 1; turn <= 5; turn++ {
		d.Append(dialog.NewUserMessage(strings.Repeat("content ", 10), turn))
	}

	out := m.truncateSlidingWindow(d)
	turns := map[int]struct{}{}
	for _, msg := range out.Messages() {
		turns[msg.Turn] = struct{}{}
	}
	assert.Len(t, turns, 2)
}

func TestSummaryStrategyFailsLoudly(t *testing.T) {
	m := newManager(t, Config{MaxTokens: 10, Strategy: StrategySummary})

	d := dialog.New(nil)
	d.Append(dialog.NewUserMessage(strings.Repeat("long content ", 50), 1))

	_, err := m.Truncate(d)
	assert.ErrorIs(t, err, ErrSummaryUnsupported)

	_, err = m.PrepareForQuery(d)
	assert.ErrorIs(t, err, ErrSummaryUnsupported)
}

func TestPrepareForQueryOverflow(t *testing.T) {
	m := newManager(t, Config{
		MaxTokens:  30,
		Strategy:   StrategyLatestHalf,
		KeepSystem: true,
	})

	// One enormous latest message: no strategy can make this fit.
	d := dialog.New(nil)
	d.Append(dialog.NewSystemMessage("sys"))
	d.Append(dialog.NewUserMessage(strings.Repeat("immovable payload ", 100), 1))

	_, err := m.PrepareForQuery(d)
	assert.ErrorIs(t, err, ErrContextOverflow)
}

func TestPrepareForQueryIdentityWhenFits(t *testing.T) {
	m := newManager(t, Config{MaxTokens: 10000, Strategy: StrategyLatestHalf, KeepSystem: true})

	d := dialog.New(nil)
	d.Append(dialog.NewSystemMessage("sys"))
	d.Append(dialog.NewUserMessage("small", 1))

	out, err := m.PrepareForQuery(d)
	require.NoError(t, err)
	assert.Same(t, d, out)
}

func TestTruncateResultSmallerOrEqual(t *testing.T) {
	for _, strategy := range []Strategy{StrategyNone, StrategyLatestHalf, StrategySlidingWindow} {
		t.Run(string(strategy), func(t *testing.T) {
			m := newManager(t, Config{MaxTokens: 40, Strategy: strategy, KeepSystem: true, KeepTurns: 1})

			d := dialog.New(nil)
			d.Append(dialog.NewSystemMessage("sys"))
			for turn := 1; turn <= 8; turn++ {
				d.Append(dialog.NewUserMessage(fmt.Sprintf("message %d with plenty of words", turn), turn))
			}

			out, err := m.Truncate(d)
			require.NoError(t, err)
			assert.LessOrEqual(t, m.EstimateTokens(out), m.EstimateTokens(d))
		})
	}
}
