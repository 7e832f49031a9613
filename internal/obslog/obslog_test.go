package obslog_test

import (
	"context"
	"strings"
	"testing"

	"github.com/0x00K1/arcp/internal/obslog"
	"github.com/0x00K1/arcp/internal/storage"
	"github.com/0x00K1/arcp/pkg/models"
)

func TestBuffer_AppendAndTail(t *testing.T) {
	b := obslog.NewBuffer(10, 100)
	b.Append(models.LogInfo, "first", "api")
	b.Append(models.LogWarn, "second", "sweeper")

	tail := b.Tail(10)
	if len(tail) != 2 {
		t.Fatalf("Tail() len = %d, want 2", len(tail))
	}
	if tail[0].Message != "second" {
		t.Errorf("Tail()[0].Message = %q, want newest-first \"second\"", tail[0].Message)
	}
}

func TestBuffer_TruncatesLongMessages(t *testing.T) {
	b := obslog.NewBuffer(10, 5)
	entry := b.Append(models.LogError, "this message is far too long", "api")
	if len(entry.Message) != 5 {
		t.Errorf("Append() message len = %d, want 5", len(entry.Message))
	}
}

func TestBuffer_CapacityBounded(t *testing.T) {
	b := obslog.NewBuffer(3, 100)
	for i := 0; i < 5; i++ {
		b.Append(models.LogInfo, strings.Repeat("x", 1), "api")
	}
	if len(b.Tail(100)) != 3 {
		t.Errorf("Tail() len = %d, want 3 (capacity)", len(b.Tail(100)))
	}
}

func TestBuffer_Clear(t *testing.T) {
	b := obslog.NewBuffer(10, 100)
	b.Append(models.LogInfo, "x", "api")
	b.Clear()
	if len(b.Tail(10)) != 0 {
		t.Error("Tail() after Clear() not empty")
	}
}

func TestBuffer_PersistSurvivesRestart(t *testing.T) {
	store := storage.NewMemoryAdapter(false)
	ctx := context.Background()

	b := obslog.NewBuffer(10, 100)
	if err := b.Persist(ctx, store); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	b.Append(models.LogInfo, "persisted line", "api")

	reborn := obslog.NewBuffer(10, 100)
	if err := reborn.Persist(ctx, store); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	tail := reborn.Tail(10)
	if len(tail) != 1 {
		t.Fatalf("Tail() after restart len = %d, want 1", len(tail))
	}
	if tail[0].Message != "persisted line" {
		t.Errorf("Tail()[0].Message = %q, want %q", tail[0].Message, "persisted line")
	}
}
