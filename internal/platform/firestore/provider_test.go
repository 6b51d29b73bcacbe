package firestore

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/storefront/api/internal/platform/config"
)

func TestProviderRequiresProjectID(t *testing.T) {
	t.Setenv(envGoogleProjectID, "")
	p := NewProvider(config.FirestoreConfig{})
	if _, err := p.Client(context.Background()); err == nil {
		t.Fatalf("expected error without project id")
	}
}

func TestProviderClosedRejectsClient(t *testing.T) {
	p := NewProvider(config.FirestoreConfig{ProjectID: "storefront-test"})
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := p.Client(context.Background()); !errors.Is(err, ErrProviderClosed) {
		t.Fatalf("expected ErrProviderClosed, got %v", err)
	}
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestRunTransactionRejectsNilFunc(t *testing.T) {
	p := NewProvider(config.FirestoreConfig{ProjectID: "storefront-test"})
	if err := p.RunTransaction(context.Background(), nil); err == nil {
		t.Fatalf("expected error for nil transaction func")
	}
}

func TestProviderEmulatorOptions(t *testing.T) {
	t.Setenv(envEmulatorHost, "")

	p := NewProvider(config.FirestoreConfig{ProjectID: "storefront-test"})
	if got := len(p.clientOptions()); got != 0 {
		t.Fatalf("expected no options without emulator, got %d", got)
	}

	p = NewProvider(config.FirestoreConfig{ProjectID: "storefront-test", EmulatorHost: "127.0.0.1:8681"})
	if got := len(p.clientOptions()); got != 3 {
		t.Fatalf("expected emulator options, got %d", got)
	}
	if got := os.Getenv(envEmulatorHost); got != "127.0.0.1:8681" {
		t.Fatalf("expected emulator env to be exported, got %q", got)
	}
}

func TestProviderPingAfterClose(t *testing.T) {
	p := NewProvider(config.FirestoreConfig{ProjectID: "storefront-test"})
	_ = p.Close(context.Background())
	if err := p.Ping(context.Background()); !errors.Is(err, ErrProviderClosed) {
		t.Fatalf("expected ErrProviderClosed, got %v", err)
	}
}
