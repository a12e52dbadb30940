// Package summarize keeps an agent's in-context message list within a token
// or message budget by evicting older turns, optionally replacing the evicted
// span with a synthetic summary message and off-loading it to a background
// recall worker.
package summarize

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/agentloop/store"
	"github.com/BaSui01/agentloop/types"
)

// Mode selects the eviction strategy.
type Mode string

const (
	// StaticBuffer trims by message count down to MessageBufferMin, cutting
	// at a user-authored boundary.
	StaticBuffer Mode = "static_buffer"
	// TokenPressure evicts the oldest messages until token usage drops under
	// TargetPressureRatio of the context window.
	TokenPressure Mode = "token_pressure"
)

// Config holds summarizer tuning. Zero values select the defaults below.
type Config struct {
	Mode Mode `yaml:"mode" json:"mode" env:"MODE"`

	// Static buffer mode.
	MessageBufferLimit int `yaml:"message_buffer_limit" json:"message_buffer_limit" env:"MESSAGE_BUFFER_LIMIT"`
	MessageBufferMin   int `yaml:"message_buffer_min" json:"message_buffer_min" env:"MESSAGE_BUFFER_MIN"`

	// Token pressure mode.
	TargetPressureRatio float64 `yaml:"target_pressure_ratio" json:"target_pressure_ratio" env:"TARGET_PRESSURE_RATIO"`
	EvictAllMessages    bool    `yaml:"evict_all_messages" json:"evict_all_messages" env:"EVICT_ALL_MESSAGES"`
	KeepLastNMessages   int     `yaml:"keep_last_n_messages" json:"keep_last_n_messages" env:"KEEP_LAST_N_MESSAGES"`
	ContextWindow       int     `yaml:"context_window" json:"context_window" env:"CONTEXT_WINDOW"`
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = TokenPressure
	}
	if c.MessageBufferLimit <= 0 {
		c.MessageBufferLimit = 60
	}
	if c.MessageBufferMin <= 0 {
		c.MessageBufferMin = 10
	}
	if c.TargetPressureRatio <= 0 || c.TargetPressureRatio > 1 {
		c.TargetPressureRatio = 0.7
	}
	if c.KeepLastNMessages < 0 {
		c.KeepLastNMessages = 0
	}
	if c.ContextWindow <= 0 {
		c.ContextWindow = 32768
	}
	return c
}

// Compressor condenses an evicted message span into summary text. Optional;
// without one the summarizer does pure eviction.
type Compressor interface {
	Compress(ctx context.Context, discarded []*types.Message) (string, error)
}

// Result is the outcome of one Summarize call.
type Result struct {
	UpdatedMessages []*types.Message
	DidSummarize    bool
}

// Summarizer trims in-context message lists. Trimming itself is total: it
// always returns a valid list retaining at least the system message, and
// collaborator failures (summary persistence, recall handoff) are logged and
// swallowed rather than propagated.
type Summarizer struct {
	cfg        Config
	tokenizer  types.Tokenizer
	messages   store.MessageStore
	compressor Compressor
	recall     *RecallWorker
	logger     *zap.Logger
}

// New creates a summarizer. messages, compressor and recall are all optional:
// without messages/compressor the summarizer performs pure eviction, without
// recall no background extraction happens.
func New(cfg Config, tokenizer types.Tokenizer, messages store.MessageStore, compressor Compressor, recall *RecallWorker, logger *zap.Logger) *Summarizer {
	if tokenizer == nil {
		tokenizer = types.NewEstimateTokenizer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Summarizer{
		cfg:        cfg.withDefaults(),
		tokenizer:  tokenizer,
		messages:   messages,
		compressor: compressor,
		recall:     recall,
		logger:     logger.With(zap.String("component", "summarizer")),
	}
}

// Pressure returns current token usage as a fraction of the context window.
func (s *Summarizer) Pressure(msgs []*types.Message) float64 {
	return float64(s.tokenizer.CountMessagesTokens(msgs)) / float64(s.cfg.ContextWindow)
}

// Summarize trims the combined in-context plus new message list.
//
// With force=false the input is returned unchanged when within budget. With
// clear=true every non-system message is discarded (the full-reset path after
// a context window overflow). The system message at index 0 is always
// retained.
func (s *Summarizer) Summarize(ctx context.Context, inContext, newMsgs []*types.Message, force, clear bool) Result {
	combined := make([]*types.Message, 0, len(inContext)+len(newMsgs))
	combined = append(combined, inContext...)
	combined = append(combined, newMsgs...)

	if len(combined) == 0 {
		return Result{UpdatedMessages: combined}
	}
	if !force && s.withinBudget(combined) {
		return Result{UpdatedMessages: combined}
	}

	var cutoff int
	switch {
	case clear:
		cutoff = len(combined)
	case s.cfg.Mode == StaticBuffer:
		cutoff = s.bufferCutoff(combined)
	default:
		cutoff = s.pressureCutoff(combined)
	}
	if cutoff <= 1 {
		return Result{UpdatedMessages: combined}
	}

	discarded := combined[1:cutoff]
	retained := append([]*types.Message{combined[0]}, combined[cutoff:]...)

	if summary := s.buildSummary(ctx, combined[0].AgentID, discarded); summary != nil {
		retained = append([]*types.Message{retained[0], summary}, retained[1:]...)
	}
	if s.recall != nil {
		s.recall.Enqueue(discarded)
	}

	s.logger.Info("summarized context",
		zap.Int("discarded", len(discarded)),
		zap.Int("retained", len(retained)),
		zap.Bool("clear", clear),
	)
	return Result{UpdatedMessages: retained, DidSummarize: true}
}

func (s *Summarizer) withinBudget(msgs []*types.Message) bool {
	if s.cfg.Mode == StaticBuffer {
		return len(msgs) <= s.cfg.MessageBufferLimit
	}
	return s.Pressure(msgs) <= s.cfg.TargetPressureRatio
}

// bufferCutoff trims to the MessageBufferMin most recent messages, pulled
// back to the nearest user-authored boundary so a step's tool-call and
// tool-return are never separated.
func (s *Summarizer) bufferCutoff(msgs []*types.Message) int {
	cutoff := len(msgs) - s.cfg.MessageBufferMin
	for cutoff > 1 && msgs[cutoff].Role != types.RoleUser {
		cutoff--
	}
	if cutoff < 1 {
		cutoff = 1
	}
	return cutoff
}

// pressureCutoff walks from the oldest message forward until cumulative
// eviction brings usage under the target ratio, then snaps the cutoff to a
// boundary that keeps tool-call/tool-return pairs together. KeepLastNMessages
// caps how far the cutoff may advance; retaining more than computed is
// always safe.
func (s *Summarizer) pressureCutoff(msgs []*types.Message) int {
	total := s.tokenizer.CountMessagesTokens(msgs)
	target := int(s.cfg.TargetPressureRatio * float64(s.cfg.ContextWindow))

	cutoff := 1
	evicted := 0
	for i := 1; i < len(msgs); i++ {
		if !s.cfg.EvictAllMessages && total-evicted <= target {
			break
		}
		evicted += s.tokenizer.CountMessageTokens(msgs[i])
		cutoff = i + 1
	}

	for cutoff < len(msgs) && !safeCutoff(msgs, cutoff) {
		cutoff++
	}
	if floor := len(msgs) - s.cfg.KeepLastNMessages; cutoff > floor {
		cutoff = floor
	}
	for cutoff > 1 && !safeCutoff(msgs, cutoff) {
		cutoff--
	}
	if cutoff < 1 {
		cutoff = 1
	}
	return cutoff
}

// safeCutoff reports whether cutting before index i keeps every
// tool-call/tool-return pair on one side of the cut.
func safeCutoff(msgs []*types.Message, i int) bool {
	if i <= 1 || i >= len(msgs) {
		return true
	}
	if msgs[i].IsToolReturn() {
		return false
	}
	if msgs[i-1].HasToolCall() {
		return false
	}
	return true
}

// buildSummary compresses and persists a synthetic summary message for the
// discarded span. Any failure degrades to pure eviction.
func (s *Summarizer) buildSummary(ctx context.Context, agentID string, discarded []*types.Message) *types.Message {
	if s.compressor == nil || len(discarded) == 0 {
		return nil
	}
	text, err := s.compressor.Compress(ctx, discarded)
	if err != nil {
		s.logger.Warn("summary compression failed, evicting without summary", zap.Error(err))
		return nil
	}
	summary := types.NewUserMessage(agentID,
		fmt.Sprintf("[Summary of %d earlier messages] %s", len(discarded), text))
	if s.messages != nil {
		if _, err := s.messages.CreateMany(ctx, []*types.Message{summary}); err != nil {
			s.logger.Warn("summary persistence failed, evicting without summary", zap.Error(err))
			return nil
		}
	}
	return summary
}
