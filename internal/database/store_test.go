package database

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"stokbro/internal/models"
)

// exerciseStore runs the behaviour every engine must share
func exerciseStore(t *testing.T, store Store, defaultLimit int) {
	t.Helper()
	ctx := context.Background()
	owner := "user-" + uuid.NewString()

	base := time.Now().UTC().Truncate(time.Millisecond)
	var ids []string
	for i := 0; i < 9; i++ {
		rec := &models.DownloadRecord{
			ID:           uuid.NewString(),
			Owner:        owner,
			OriginalURL:  "https://www.freepik.com/free-vector/x_123.htm",
			PermanentURL: "https://cdn.example.com/freepik/123/eps/a.eps",
			Format:       "eps",
			FileName:     "freepik-123.eps",
			FileSizeMB:   1.25,
			CreatedAt:    base.Add(time.Duration(i) * time.Second),
			UpdatedAt:    base.Add(time.Duration(i) * time.Second),
		}
		if err := store.CreateRecord(ctx, rec); err != nil {
			t.Fatalf("CreateRecord() error = %v", err)
		}
		ids = append(ids, rec.ID)
	}

	t.Run("get record", func(t *testing.T) {
		rec, err := store.GetRecord(ctx, ids[0])
		if err != nil {
			t.Fatalf("GetRecord() error = %v", err)
		}
		if rec.Owner != owner || rec.Format != "eps" || rec.FileSizeMB != 1.25 {
			t.Errorf("GetRecord() = %+v", rec)
		}
	})

	t.Run("missing record", func(t *testing.T) {
		if _, err := store.GetRecord(ctx, "does-not-exist"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetRecord() error = %v, want ErrNotFound", err)
		}
		if err := store.IncrementDownloadCount(ctx, "does-not-exist"); !errors.Is(err, ErrNotFound) {
			t.Errorf("IncrementDownloadCount() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("increment and update", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			if err := store.IncrementDownloadCount(ctx, ids[1]); err != nil {
				t.Fatalf("IncrementDownloadCount() error = %v", err)
			}
		}
		if err := store.UpdatePermanentURL(ctx, ids[1], "https://cdn.example.com/new", 2.5); err != nil {
			t.Fatalf("UpdatePermanentURL() error = %v", err)
		}
		rec, err := store.GetRecord(ctx, ids[1])
		if err != nil {
			t.Fatalf("GetRecord() error = %v", err)
		}
		if rec.DownloadCount != 3 {
			t.Errorf("DownloadCount = %d, want 3", rec.DownloadCount)
		}
		if rec.PermanentURL != "https://cdn.example.com/new" || rec.FileSizeMB != 2.5 {
			t.Errorf("record not updated: %+v", rec)
		}
	})

	t.Run("list newest first", func(t *testing.T) {
		page, err := store.ListRecords(ctx, owner, 1, 7)
		if err != nil {
			t.Fatalf("ListRecords() error = %v", err)
		}
		if page.TotalItems != 9 || page.TotalPages != 2 || len(page.Items) != 7 {
			t.Fatalf("page 1 = total %d pages %d items %d", page.TotalItems, page.TotalPages, len(page.Items))
		}
		if page.Items[0].ID != ids[8] {
			t.Errorf("first item = %s, want newest %s", page.Items[0].ID, ids[8])
		}

		page2, err := store.ListRecords(ctx, owner, 2, 7)
		if err != nil {
			t.Fatalf("ListRecords() error = %v", err)
		}
		if len(page2.Items) != 2 || page2.Items[1].ID != ids[0] {
			t.Errorf("page 2 has %d items", len(page2.Items))
		}

		other, err := store.ListRecords(ctx, "nobody-"+uuid.NewString(), 1, 7)
		if err != nil {
			t.Fatalf("ListRecords() error = %v", err)
		}
		if other.TotalItems != 0 || len(other.Items) != 0 {
			t.Errorf("unexpected records for other owner: %+v", other)
		}
	})

	t.Run("quota defaults and atomic increments", func(t *testing.T) {
		q, err := store.GetQuota(ctx, owner)
		if err != nil {
			t.Fatalf("GetQuota() error = %v", err)
		}
		if q.Used != 0 || q.Limit != defaultLimit {
			t.Fatalf("GetQuota() = %+v, want used 0 limit %d", q, defaultLimit)
		}

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := store.AddQuotaUsed(ctx, owner, 2); err != nil {
					t.Errorf("AddQuotaUsed() error = %v", err)
				}
			}()
		}
		wg.Wait()

		q, err = store.GetQuota(ctx, owner)
		if err != nil {
			t.Fatalf("GetQuota() error = %v", err)
		}
		if q.Used != 20 {
			t.Errorf("Used = %d after concurrent increments, want 20", q.Used)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(100), 100)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore(1)
	ctx := context.Background()
	rec := &models.DownloadRecord{ID: "a", Owner: "o"}
	if err := s.CreateRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}
	rec.Owner = "mutated"

	got, _ := s.GetRecord(ctx, "a")
	got.DownloadCount = 99

	again, _ := s.GetRecord(ctx, "a")
	if again.Owner != "o" || again.DownloadCount != 0 {
		t.Errorf("store shares memory with callers: %+v", again)
	}
}
