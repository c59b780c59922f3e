package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorMessageCarriesKindPrefix(t *testing.T) {
	err := New(TranscriptionFailed, "engine crashed")
	if got := err.Error(); got != "TranscriptionFailed: engine crashed" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestWrapKeepsExistingKind(t *testing.T) {
	inner := New(SynthesisTimeout, "no first chunk")
	wrapped := Wrap(SynthesisFailed, fmt.Errorf("stream: %w", inner))
	if KindOf(wrapped) != SynthesisTimeout {
		t.Fatalf("expected SynthesisTimeout, got %q", KindOf(wrapped))
	}
	if Wrap(GenerationFailed, nil) != nil {
		t.Fatal("wrapping nil should stay nil")
	}
}

func TestKindOfPlainError(t *testing.T) {
	if KindOf(errors.New("boom")) != "" {
		t.Fatal("plain errors carry no kind")
	}
	if !Is(Wrap(GenerationFailed, errors.New("boom")), GenerationFailed) {
		t.Fatal("expected GenerationFailed")
	}
}

func TestFromContext(t *testing.T) {
	if FromContext(context.Background()) != nil {
		t.Fatal("live context should map to nil")
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(New(TransportDisconnected, "peer went away"))
	if KindOf(FromContext(ctx)) != TransportDisconnected {
		t.Fatalf("expected cause kind, got %v", FromContext(ctx))
	}

	plain, plainCancel := context.WithCancel(context.Background())
	plainCancel()
	if KindOf(FromContext(plain)) != Cancelled {
		t.Fatalf("expected Cancelled, got %v", FromContext(plain))
	}

	deadline, deadlineCancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer deadlineCancel()
	<-deadline.Done()
	if KindOf(FromContext(deadline)) != Timeout {
		t.Fatalf("expected Timeout, got %v", FromContext(deadline))
	}
}

func TestSilent(t *testing.T) {
	if !Silent(New(TransportDisconnected, "gone")) {
		t.Fatal("disconnect must be silent")
	}
	if Silent(New(Cancelled, "client cancel")) {
		t.Fatal("client cancel reports an error frame")
	}
}
