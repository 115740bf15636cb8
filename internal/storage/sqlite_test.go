package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"turnguard/internal/model"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewSQLite("file:" + filepath.Join(t.TempDir(), "turnguard.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestDevicePersistence(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	dev := model.Device{
		ID:          "t-1",
		Name:        "Main entrance",
		Location:    "lobby",
		Class:       model.ClassTurnstile,
		Firmware:    "2.1.0",
		InstalledAt: time.Now().UTC().Truncate(time.Second),
		Active:      true,
		Status:      model.StatusOnline,
	}
	if err := store.SaveDevice(ctx, dev); err != nil {
		t.Fatalf("save: %v", err)
	}
	dev.Location = "north lobby"
	if err := store.SaveDevice(ctx, dev); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	devices, err := store.LoadDevices(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("devices: got %d, want 1", len(devices))
	}
	if devices[0].Location != "north lobby" || devices[0].Class != model.ClassTurnstile {
		t.Fatalf("device not upserted: %+v", devices[0])
	}
}

func TestOpenAlertRestore(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	open := model.Alert{
		ID:          "a-1",
		DeviceID:    "t-1",
		Severity:    model.SeverityHigh,
		Kind:        model.AlertOffline,
		OpenedAt:    time.Now().UTC().Truncate(time.Second),
		Description: "no signal",
	}
	if err := store.SaveAlert(ctx, open); err != nil {
		t.Fatalf("save open: %v", err)
	}

	resolvedAt := time.Now().UTC().Truncate(time.Second)
	resolved := open
	resolved.ID = "a-2"
	resolved.Kind = model.AlertLowBattery
	resolved.ResolvedAt = &resolvedAt
	if err := store.SaveAlert(ctx, resolved); err != nil {
		t.Fatalf("save resolved: %v", err)
	}

	openAlerts, err := store.LoadOpenAlerts(ctx)
	if err != nil {
		t.Fatalf("load open: %v", err)
	}
	if len(openAlerts) != 1 || openAlerts[0].ID != "a-1" {
		t.Fatalf("open alert restore: got %+v", openAlerts)
	}

	all, err := store.ListAlerts(ctx, "t-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("alert history: got %d, want 2", len(all))
	}
}

func TestSequenceWatermarks(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.SaveSequence(ctx, "t-1", 42); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SaveSequence(ctx, "t-1", 64); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := store.SaveSequence(ctx, "t-2", 7); err != nil {
		t.Fatalf("save second: %v", err)
	}

	seqs, err := store.LoadSequences(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if seqs["t-1"] != 64 || seqs["t-2"] != 7 {
		t.Fatalf("watermarks: got %v", seqs)
	}
}

func TestCommandHistory(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	issued := time.Now().UTC().Truncate(time.Second)
	cmd := model.Command{
		ID:       "c-1",
		DeviceID: "t-1",
		Action:   model.ActionReboot,
		IssuedAt: issued,
		Status:   model.CommandPending,
	}
	if err := store.SaveCommand(ctx, cmd); err != nil {
		t.Fatalf("save pending: %v", err)
	}

	completed := issued.Add(3 * time.Second)
	cmd.Status = model.CommandAcknowledged
	cmd.CompletedAt = &completed
	if err := store.SaveCommand(ctx, cmd); err != nil {
		t.Fatalf("save settled: %v", err)
	}

	cmds, err := store.ListCommands(ctx, "t-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("commands: got %d, want 1", len(cmds))
	}
	if cmds[0].Status != model.CommandAcknowledged || cmds[0].CompletedAt == nil {
		t.Fatalf("command not upserted: %+v", cmds[0])
	}
}
