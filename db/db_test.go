package db

import (
	"context"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestDB_UpsertAndGet(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	r := CompartmentRecord{
		UUID: "c1", Name: "alpha", GuestOS: "alpine", State: "STOPPED",
		RestartPolicy: "never", ConfigJSON: []byte(`{"uuid":"c1"}`),
		CreatedAt: now, UpdatedAt: now,
	}
	if err := d.Upsert(ctx, r); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := d.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "alpha" || got.State != "STOPPED" {
		t.Fatalf("got = %+v", got)
	}
}

func TestDB_UpdateState(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()
	d.Upsert(ctx, CompartmentRecord{UUID: "c1", Name: "alpha", ConfigJSON: []byte(`{}`), CreatedAt: now, UpdatedAt: now})

	if err := d.UpdateState(ctx, "c1", "RUNNING", now.Add(time.Second)); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	got, err := d.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != "RUNNING" {
		t.Fatalf("state = %q, want RUNNING", got.State)
	}
}

func TestDB_UpdateState_UnknownUUID(t *testing.T) {
	d := openTestDB(t)
	if err := d.UpdateState(context.Background(), "nope", "RUNNING", time.Now()); err == nil {
		t.Fatal("UpdateState: want error for unknown uuid")
	}
}

func TestDB_List(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()
	d.Upsert(ctx, CompartmentRecord{UUID: "c1", Name: "alpha", ConfigJSON: []byte(`{}`), CreatedAt: now, UpdatedAt: now})
	d.Upsert(ctx, CompartmentRecord{UUID: "c2", Name: "beta", ConfigJSON: []byte(`{}`), CreatedAt: now.Add(time.Second), UpdatedAt: now})

	list, err := d.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len(list) = %d, want 2", len(list))
	}
}

func TestDB_Delete(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()
	d.Upsert(ctx, CompartmentRecord{UUID: "c1", Name: "alpha", ConfigJSON: []byte(`{}`), CreatedAt: now, UpdatedAt: now})

	if err := d.Delete(ctx, "c1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := d.Get(ctx, "c1"); err == nil {
		t.Fatal("Get after Delete: want error")
	}
}
