package types

import (
	"strings"
	"testing"
)

func TestOTIDWithSuffix(t *testing.T) {
	t.Parallel()

	if got := OTIDWithSuffix("abc", 0); got != "abc-0" {
		t.Fatalf("unexpected otid: %s", got)
	}
	if got := OTIDWithSuffix("abc", 1); got != "abc-1" {
		t.Fatalf("unexpected otid: %s", got)
	}
	// Empty base gets a generated uuid, still suffixed.
	if got := OTIDWithSuffix("", 1); !strings.HasSuffix(got, "-1") || len(got) < 3 {
		t.Fatalf("unexpected generated otid: %s", got)
	}
}

func TestMessage_Text(t *testing.T) {
	t.Parallel()

	m := &Message{
		Role: RoleAssistant,
		Content: []ContentPart{
			ReasoningPart("thinking. "),
			TextPart("hello"),
			{Type: PartImage, Data: "aGk="},
		},
	}
	if got := m.Text(); got != "thinking. hello" {
		t.Fatalf("unexpected text: %q", got)
	}
	if got := m.PlainText(); got != "hello" {
		t.Fatalf("unexpected plain text: %q", got)
	}
}

func TestNewMessage(t *testing.T) {
	t.Parallel()

	m := NewUserMessage("agent-1", "hi")
	if m.Role != RoleUser || m.AgentID != "agent-1" {
		t.Fatalf("unexpected message: %+v", m)
	}
	if m.ID == "" || m.CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp to be set")
	}
	if m.Text() != "hi" {
		t.Fatalf("unexpected content: %q", m.Text())
	}
}
