package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"peertube-live/internal/auth"
	"peertube-live/internal/models"
)

type fakeDirectory struct {
	created []models.Channel
}

func (d *fakeDirectory) Create(_ context.Context, ownerID, name string) (models.Channel, error) {
	channel := models.Channel{ID: int64(len(d.created) + 1), OwnerID: ownerID, Name: name}
	d.created = append(d.created, channel)
	return channel, nil
}

func TestRunCreatesAdminAndChannel(t *testing.T) {
	ctx := context.Background()
	users := auth.NewMemoryUserStore()
	directory := &fakeDirectory{}
	var out bytes.Buffer

	if err := run(ctx, &out, users, directory, "root", "bootstrap-secret", "main"); err != nil {
		t.Fatalf("run: %v", err)
	}
	admin, err := users.FindByUsername(ctx, "root")
	if err != nil {
		t.Fatalf("FindByUsername: %v", err)
	}
	if !admin.HasRole(models.RoleAdmin) {
		t.Fatalf("expected admin role, got %v", admin.Roles)
	}
	if len(directory.created) != 1 || directory.created[0].OwnerID != admin.ID {
		t.Fatalf("unexpected channels %+v", directory.created)
	}
	if !strings.Contains(out.String(), "Channel main created") {
		t.Fatalf("unexpected output %q", out.String())
	}

	// A second run keeps the account and skips the channel.
	out.Reset()
	if err := run(ctx, &out, users, directory, "root", "bootstrap-secret", ""); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(directory.created) != 1 {
		t.Fatalf("expected no new channel, got %d", len(directory.created))
	}
}

func TestRunRejectsRegularAccount(t *testing.T) {
	ctx := context.Background()
	users := auth.NewMemoryUserStore()
	if _, err := users.Create(ctx, "alice", "alice-secret", []string{models.RoleUser}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := run(ctx, &bytes.Buffer{}, users, &fakeDirectory{}, "alice", "alice-secret", "")
	if err == nil || !strings.Contains(err.Error(), "admin role") {
		t.Fatalf("expected admin role error, got %v", err)
	}
}

func TestRunValidatesInput(t *testing.T) {
	ctx := context.Background()
	if err := run(ctx, &bytes.Buffer{}, auth.NewMemoryUserStore(), &fakeDirectory{}, " ", "bootstrap-secret", ""); err == nil {
		t.Fatal("expected username error")
	}
	if err := run(ctx, &bytes.Buffer{}, auth.NewMemoryUserStore(), &fakeDirectory{}, "root", "short", ""); err == nil {
		t.Fatal("expected password error")
	}
}
