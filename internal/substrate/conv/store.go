// Package conv implements the per-agent conversation log (C4
// ConversationStore): system-prompt invariant, token-usage accounting,
// context-window sliding, and atomic persistence, grounded on the
// in-memory session store and atomic-persistence idioms used elsewhere in
// the teacher corpus.
package conv

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentsociety/substrate/pkg/society"
)

// DefaultMaxTokens is used when a conversation has no model-specific
// context size configured.
const DefaultMaxTokens = 128_000

// conversation is the live, in-memory state for one agent.
type conversation struct {
	entries   []society.ConversationEntry
	usage     *society.Usage
	maxTokens int

	// smoothed tokens-per-character ratio, seeded conservatively and
	// updated from observed prompt token counts.
	tokensPerChar float64
}

// file is the on-disk shape of a conversation document.
type file struct {
	AgentID   string                       `json:"agentId"`
	Messages  []society.ConversationEntry `json:"messages"`
	TokenUsage *society.Usage              `json:"tokenUsage,omitempty"`
	UpdatedAt time.Time                    `json:"updatedAt"`
}

// Store holds every agent's conversation, persisted under
// <dataDir>/conversations/<agentId>.json.
type Store struct {
	mu      sync.Mutex
	dataDir string
	logger  *slog.Logger
	clock   society.Clock

	conversations map[string]*conversation
	persisting    map[string]bool // coalesce-in-flight tracking, per §5
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithLogger overrides the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the store's clock.
func WithClock(clock society.Clock) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New constructs a Store rooted at dataDir.
func New(dataDir string, opts ...Option) *Store {
	s := &Store{
		dataDir:       dataDir,
		logger:        slog.Default().With("component", "conv"),
		clock:         society.SystemClock{},
		conversations: make(map[string]*conversation),
		persisting:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) path(agentID string) string {
	return filepath.Join(s.dataDir, "conversations", agentID+".json")
}

// EnsureConversation returns the agent's conversation, loading it from
// disk on first touch and seeding/replacing the system entry as needed.
func (s *Store) EnsureConversation(agentID, systemPrompt string) []society.ConversationEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[agentID]
	if !ok {
		conv = s.loadLocked(agentID)
		s.conversations[agentID] = conv
	}

	if len(conv.entries) == 0 {
		conv.entries = append(conv.entries, society.ConversationEntry{
			Role:      society.RoleSystem,
			Content:   systemPrompt,
			CreatedAt: s.clock.Now(),
		})
	} else if conv.entries[0].Role == society.RoleSystem && conv.entries[0].Content != systemPrompt {
		conv.entries[0].Content = systemPrompt
		conv.entries[0].CreatedAt = s.clock.Now()
	} else if conv.entries[0].Role != society.RoleSystem {
		conv.entries = append([]society.ConversationEntry{{
			Role:      society.RoleSystem,
			Content:   systemPrompt,
			CreatedAt: s.clock.Now(),
		}}, conv.entries...)
	}

	return cloneEntries(conv.entries)
}

func (s *Store) loadLocked(agentID string) *conversation {
	conv := &conversation{maxTokens: DefaultMaxTokens, tokensPerChar: 0.28}
	data, err := os.ReadFile(s.path(agentID))
	if errors.Is(err, os.ErrNotExist) {
		return conv
	}
	if err != nil {
		s.logger.Warn("conversation read failed, starting empty", "agent_id", agentID, "error", err)
		return conv
	}
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		s.logger.Warn("conversation document could not be parsed, starting empty", "agent_id", agentID, "error", err)
		return conv
	}
	conv.entries = f.Messages
	conv.usage = f.TokenUsage
	return conv
}

// Append adds entry to agentID's conversation. Single-writer contract:
// callers must already hold the per-agent turn-processing discipline
// enforced by the TurnEngine.
func (s *Store) Append(agentID string, entry society.ConversationEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.clock.Now()
	}
	s.mu.Lock()
	conv, ok := s.conversations[agentID]
	if !ok {
		conv = s.loadLocked(agentID)
		s.conversations[agentID] = conv
	}
	conv.entries = append(conv.entries, entry)
	s.mu.Unlock()
}

// SlideOptions configures the window-sliding heuristic.
type SlideOptions struct {
	KeepRatio float64
	MaxLoops  int
}

// SlideWindowIfNeededByEstimate drops oldest non-system entries while the
// estimator predicts the next prompt would exceed KeepRatio*maxTokens, up
// to MaxLoops iterations.
func (s *Store) SlideWindowIfNeededByEstimate(agentID string, opts SlideOptions) int {
	if opts.KeepRatio <= 0 {
		opts.KeepRatio = 0.7
	}
	if opts.MaxLoops <= 0 {
		opts.MaxLoops = 25
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[agentID]
	if !ok {
		return 0
	}

	dropped := 0
	for i := 0; i < opts.MaxLoops; i++ {
		estimated := estimatedPromptTokens(conv)
		limit := opts.KeepRatio * float64(conv.maxTokens)
		if float64(estimated) <= limit {
			break
		}
		idx := firstNonSystemIndex(conv.entries)
		if idx < 0 {
			break
		}
		conv.entries = append(conv.entries[:idx], conv.entries[idx+1:]...)
		dropped++
	}
	return dropped
}

func firstNonSystemIndex(entries []society.ConversationEntry) int {
	for i, e := range entries {
		if e.Role != society.RoleSystem {
			return i
		}
	}
	return -1
}

func estimatedPromptTokens(conv *conversation) int {
	chars := 0
	for _, e := range conv.entries {
		chars += len(e.Content)
	}
	return int(float64(chars) * conv.tokensPerChar)
}

// UpdatePromptTokenEstimator folds an observed prompt-token count into the
// smoothed tokens-per-char ratio.
func (s *Store) UpdatePromptTokenEstimator(agentID string, observedPromptTokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[agentID]
	if !ok || observedPromptTokens <= 0 {
		return
	}
	chars := 0
	for _, e := range conv.entries {
		chars += len(e.Content)
	}
	if chars == 0 {
		return
	}
	observedRatio := float64(observedPromptTokens) / float64(chars)
	const smoothing = 0.2
	conv.tokensPerChar = conv.tokensPerChar*(1-smoothing) + observedRatio*smoothing
}

// UpdateTokenUsage records the last known usage for agentID.
func (s *Store) UpdateTokenUsage(agentID string, usage society.Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[agentID]
	if !ok {
		return
	}
	u := usage
	conv.usage = &u
}

// GetTokenUsage returns the last known usage for agentID, or nil.
func (s *Store) GetTokenUsage(agentID string) *society.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[agentID]
	if !ok || conv.usage == nil {
		return nil
	}
	u := *conv.usage
	return &u
}

// GetContextStatus summarizes context-window pressure for agentID.
func (s *Store) GetContextStatus(agentID string) society.ContextStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[agentID]
	if !ok {
		return society.ContextStatus{MaxTokens: DefaultMaxTokens, Status: society.ContextOK}
	}
	used := estimatedPromptTokens(conv)
	if conv.usage != nil && conv.usage.TotalTokens > used {
		used = conv.usage.TotalTokens
	}
	pct := 0.0
	if conv.maxTokens > 0 {
		pct = float64(used) / float64(conv.maxTokens) * 100
	}
	status := society.ContextOK
	switch {
	case pct >= 100:
		status = society.ContextExceeded
	case pct >= 80:
		status = society.ContextNear
	}
	return society.ContextStatus{
		UsedTokens:   used,
		MaxTokens:    conv.maxTokens,
		UsagePercent: pct,
		Status:       status,
	}
}

// BuildContextStatusPrompt returns a short human-readable note to inject
// into the next user message when the context status is near or exceeded;
// it returns the empty string when status is ok.
func (s *Store) BuildContextStatusPrompt(agentID string) string {
	status := s.GetContextStatus(agentID)
	switch status.Status {
	case society.ContextNear:
		return fmt.Sprintf("[context usage %.0f%% — consider wrapping up soon]", status.UsagePercent)
	case society.ContextExceeded:
		return fmt.Sprintf("[context usage %.0f%% — history was trimmed to continue]", status.UsagePercent)
	default:
		return ""
	}
}

// PersistConversation writes agentID's conversation atomically under the
// conversations directory. If a prior persist for the same agent is still
// in flight, this call coalesces (a later call will observe the latest
// state, so the in-flight one need not be awaited).
func (s *Store) PersistConversation(agentID string) error {
	s.mu.Lock()
	if s.persisting[agentID] {
		s.mu.Unlock()
		return nil
	}
	s.persisting[agentID] = true
	conv, ok := s.conversations[agentID]
	var snapshot file
	if ok {
		snapshot = file{
			AgentID:   agentID,
			Messages:  cloneEntries(conv.entries),
			UpdatedAt: s.clock.Now(),
		}
		if conv.usage != nil {
			u := *conv.usage
			snapshot.TokenUsage = &u
		}
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.persisting[agentID] = false
		s.mu.Unlock()
	}()

	if !ok {
		return nil
	}

	data, err := json.MarshalIndent(&snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}

	dir := filepath.Join(s.dataDir, "conversations")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("ensure conversations dir: %w", err)
	}

	path := s.path(agentID)
	tmp := path + fmt.Sprintf(".tmp-%d", time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write conversation tmp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		if werr := os.WriteFile(path, data, 0o600); werr != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("overwrite conversation after rename failure: %w", werr)
		}
		_ = os.Remove(tmp)
		s.logger.Warn("conversation rename failed, fell back to direct overwrite", "agent_id", agentID, "error", err)
	}
	return nil
}

func cloneEntries(entries []society.ConversationEntry) []society.ConversationEntry {
	out := make([]society.ConversationEntry, len(entries))
	for i, e := range entries {
		out[i] = e.Clone()
	}
	return out
}
