package queue

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/graceline/safety/internal/database/dbtest"
)

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("postgres", func(t *testing.T) {
		db := dbtest.DB(t)
		fn(t, NewPostgresStore(db))
	})
}

func newItem(t *testing.T, s Store, mod func(*Item)) Item {
	t.Helper()
	it := Item{ID: uuid.NewString(), OwnerID: "owner-1", Body: "Please pray for my family", Category: "family"}
	if mod != nil {
		mod(&it)
	}
	if err := s.Create(context.Background(), &it); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return it
}

func TestConcurrentFlagIncrements(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		it := newItem(t, s, nil)
		ctx := context.Background()

		const n = 50
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.IncrementFlag(ctx, it.ID); err != nil {
					t.Errorf("IncrementFlag: %v", err)
				}
			}()
		}
		// A moderator edit racing the increments must not reset the count.
		wg.Add(1)
		go func() {
			defer wg.Done()
			body := "edited"
			if _, err := s.Update(ctx, it.ID, Mutation{Body: &body}); err != nil {
				t.Errorf("Update: %v", err)
			}
		}()
		wg.Wait()

		got, err := s.Get(ctx, it.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.FlagCount != n {
			t.Errorf("FlagCount = %d, want %d", got.FlagCount, n)
		}
	})
}

func TestConcurrentHeartIncrements(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		it := newItem(t, s, nil)
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.IncrementHeart(ctx, it.ID)
			}()
		}
		wg.Wait()

		got, _ := s.Get(ctx, it.ID)
		if got.HeartCount != 50 {
			t.Errorf("HeartCount = %d, want 50", got.HeartCount)
		}
	})
}

func TestListFilters(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		owner := "filters-" + uuid.NewString()
		own := func(it *Item) { it.OwnerID = owner }

		plain := newItem(t, s, own)
		crisis := newItem(t, s, func(it *Item) { own(it); it.CrisisDetected = true; it.NeedsModeration = true })
		flagged := newItem(t, s, own)
		hidden := newItem(t, s, own)

		if _, err := s.IncrementFlag(ctx, flagged.ID); err != nil {
			t.Fatal(err)
		}
		if _, err := s.SetStatus(ctx, hidden.ID, StatusHidden); err != nil {
			t.Fatal(err)
		}

		tests := []struct {
			filter Filter
			want   map[string]bool
		}{
			{FilterAll, map[string]bool{plain.ID: true, crisis.ID: true, flagged.ID: true, hidden.ID: true}},
			{FilterFlagged, map[string]bool{flagged.ID: true}},
			{FilterCrisis, map[string]bool{crisis.ID: true}},
			{FilterHidden, map[string]bool{hidden.ID: true}},
			{FilterPending, map[string]bool{crisis.ID: true}},
			{FilterPublic, map[string]bool{plain.ID: true, crisis.ID: true, flagged.ID: true}},
		}
		for _, tt := range tests {
			t.Run(string(tt.filter), func(t *testing.T) {
				items, err := s.List(ctx, tt.filter, 0)
				if err != nil {
					t.Fatalf("List: %v", err)
				}
				got := map[string]bool{}
				for _, it := range items {
					// Postgres is shared across tests; look only at ours.
					if it.OwnerID == owner {
						got[it.ID] = true
					}
				}
				if len(got) != len(tt.want) {
					t.Fatalf("got %d items, want %d", len(got), len(tt.want))
				}
				for id := range tt.want {
					if !got[id] {
						t.Errorf("missing %s", id)
					}
				}
			})
		}
	})
}

func TestUpdateBodyClearsNeedsModeration(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		it := newItem(t, s, nil)

		if err := s.MarkNeedsModeration(ctx, it.ID, "flag_threshold"); err != nil {
			t.Fatal(err)
		}
		cat := "health"
		got, err := s.Update(ctx, it.ID, Mutation{Category: &cat})
		if err != nil {
			t.Fatal(err)
		}
		if !got.NeedsModeration {
			t.Fatal("category edit must not clear needs_moderation")
		}

		body := "Please pray for my health"
		f := false
		got, err = s.Update(ctx, it.ID, Mutation{Body: &body, CrisisDetected: &f, SpamDetected: &f})
		if err != nil {
			t.Fatal(err)
		}
		if got.NeedsModeration || got.ModerationReason != "" {
			t.Errorf("body edit should clear needs_moderation: %+v", got)
		}
		if got.Body != body || got.Category != cat {
			t.Errorf("unexpected item: %+v", got)
		}
	})
}

func TestNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id := uuid.NewString()

		if _, err := s.Get(ctx, id); err != ErrNotFound {
			t.Errorf("Get: %v", err)
		}
		if _, err := s.IncrementFlag(ctx, id); err != ErrNotFound {
			t.Errorf("IncrementFlag: %v", err)
		}
		if err := s.Delete(ctx, id); err != ErrNotFound {
			t.Errorf("Delete: %v", err)
		}
		if _, err := s.SetStatus(ctx, id, StatusHidden); err != ErrNotFound {
			t.Errorf("SetStatus: %v", err)
		}
	})
}

func TestDeleteAndAnswered(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		it := newItem(t, s, nil)

		if _, err := s.MarkAnswered(ctx, it.ID, "someone-else"); err != ErrNotOwner {
			t.Errorf("MarkAnswered by stranger: %v", err)
		}
		got, err := s.MarkAnswered(ctx, it.ID, it.OwnerID)
		if err != nil || !got.Answered {
			t.Fatalf("MarkAnswered: %v %+v", err, got)
		}

		if err := s.Delete(ctx, it.ID); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Get(ctx, it.ID); err != ErrNotFound {
			t.Errorf("Get after delete: %v", err)
		}
	})
}

func TestParseFilter(t *testing.T) {
	tests := []struct {
		in      string
		want    Filter
		wantErr bool
	}{
		{"", FilterAll, false},
		{"flagged", FilterFlagged, false},
		{"crisis", FilterCrisis, false},
		{"hidden", FilterHidden, false},
		{"everything", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFilter(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseFilter(%q) = %q, %v", tt.in, got, err)
		}
	}
}
