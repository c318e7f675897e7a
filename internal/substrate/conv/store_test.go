package conv

import (
	"testing"

	"github.com/agentsociety/substrate/pkg/society"
)

func TestEnsureConversationSeedsAndUpdatesSystemPrompt(t *testing.T) {
	s := New(t.TempDir())
	entries := s.EnsureConversation("a", "v1")
	if len(entries) != 1 || entries[0].Role != society.RoleSystem || entries[0].Content != "v1" {
		t.Fatalf("expected a single system entry seeded with v1, got %+v", entries)
	}

	entries = s.EnsureConversation("a", "v2")
	if len(entries) != 1 || entries[0].Content != "v2" {
		t.Fatalf("expected the system entry to be replaced with v2, got %+v", entries)
	}
}

func TestAppendPreservesOrder(t *testing.T) {
	s := New(t.TempDir())
	s.EnsureConversation("a", "sys")
	s.Append("a", society.ConversationEntry{Role: society.RoleUser, Content: "hi"})
	s.Append("a", society.ConversationEntry{Role: society.RoleAssistant, Content: "hello"})

	entries := s.EnsureConversation("a", "sys")
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[1].Content != "hi" || entries[2].Content != "hello" {
		t.Fatalf("unexpected ordering: %+v", entries)
	}
}

func TestSlideWindowDropsOldestNonSystemEntries(t *testing.T) {
	s := New(t.TempDir())
	s.EnsureConversation("a", "sys")
	long := make([]byte, 10_000)
	for i := range long {
		long[i] = 'x'
	}
	for i := 0; i < 20; i++ {
		s.Append("a", society.ConversationEntry{Role: society.RoleUser, Content: string(long)})
	}

	dropped := s.SlideWindowIfNeededByEstimate("a", SlideOptions{KeepRatio: 0.01, MaxLoops: 30})
	if dropped == 0 {
		t.Fatalf("expected some entries to be dropped under a tight keep ratio")
	}

	entries := s.EnsureConversation("a", "sys")
	if entries[0].Role != society.RoleSystem {
		t.Fatalf("expected the system entry to survive sliding, got %+v", entries[0])
	}
}

func TestPromptTokenEstimatorConverges(t *testing.T) {
	s := New(t.TempDir())
	s.EnsureConversation("a", "0123456789") // 10 chars
	for i := 0; i < 50; i++ {
		s.UpdatePromptTokenEstimator("a", 5) // observed ratio 0.5
	}
	status := s.GetContextStatus("a")
	if status.UsedTokens < 4 || status.UsedTokens > 6 {
		t.Fatalf("expected the estimator to converge near ratio 0.5, got used=%d", status.UsedTokens)
	}
}

func TestContextStatusLevels(t *testing.T) {
	s := New(t.TempDir())
	s.EnsureConversation("a", "sys")
	s.UpdateTokenUsage("a", society.Usage{TotalTokens: DefaultMaxTokens / 2})
	if got := s.GetContextStatus("a").Status; got != society.ContextOK {
		t.Fatalf("expected ok at 50%%, got %q", got)
	}
	s.UpdateTokenUsage("a", society.Usage{TotalTokens: int(float64(DefaultMaxTokens) * 0.85)})
	if got := s.GetContextStatus("a").Status; got != society.ContextNear {
		t.Fatalf("expected near at 85%%, got %q", got)
	}
	s.UpdateTokenUsage("a", society.Usage{TotalTokens: DefaultMaxTokens * 2})
	if got := s.GetContextStatus("a").Status; got != society.ContextExceeded {
		t.Fatalf("expected exceeded at 200%%, got %q", got)
	}
}

func TestPersistConversationRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	s.EnsureConversation("a", "sys")
	s.Append("a", society.ConversationEntry{Role: society.RoleUser, Content: "hi"})
	if err := s.PersistConversation("a"); err != nil {
		t.Fatalf("PersistConversation: %v", err)
	}

	reopened := New(dir)
	entries := reopened.EnsureConversation("a", "sys")
	if len(entries) != 2 || entries[1].Content != "hi" {
		t.Fatalf("expected the persisted conversation to reload, got %+v", entries)
	}
}
