package core

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestRunID(t *testing.T) {
	if got := RunID(context.Background()); got != "" {
		t.Errorf("RunID(Background) = %q, want empty", got)
	}

	id := NewRunID()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("NewRunID() = %q is not a uuid: %v", id, err)
	}
	if NewRunID() == id {
		t.Error("NewRunID() returned the same id twice")
	}

	ctx := WithRunID(context.Background(), id)
	if got := RunID(ctx); got != id {
		t.Errorf("RunID() = %q, want %q", got, id)
	}
}
