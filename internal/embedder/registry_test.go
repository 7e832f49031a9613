package embedder_test

import (
	"context"
	"testing"

	"github.com/0x00K1/arcp/internal/embedder"
)

func TestRegistry_DefaultReturnsRegisteredDriver(t *testing.T) {
	r := embedder.NewRegistry()
	r.Register("hash", embedder.NewHashEmbedder(16))

	d := r.Default()
	if d == nil {
		t.Fatal("Default() = nil")
	}
	if _, err := d.Embed(context.Background(), "probe"); err != nil {
		t.Fatalf("Default().Embed() error = %v", err)
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := embedder.NewRegistry()
	if _, err := r.Get("missing"); err == nil {
		t.Error("Get(\"missing\") error = nil, want error")
	}
}

func TestRegistry_SetPrimary(t *testing.T) {
	r := embedder.NewRegistry()
	r.Register("a", embedder.NewHashEmbedder(8))
	r.Register("b", embedder.NewHashEmbedder(16))

	if err := r.SetPrimary("b"); err != nil {
		t.Fatalf("SetPrimary() error = %v", err)
	}
	if r.Default().Dim() != 16 {
		t.Errorf("Default().Dim() = %d, want 16", r.Default().Dim())
	}
	if err := r.SetPrimary("missing"); err == nil {
		t.Error("SetPrimary(\"missing\") error = nil, want error")
	}
}
