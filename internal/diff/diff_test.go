package diff

import (
	"math/rand"
	"reflect"
	"testing"

	"go-modelwatch/internal/models"
)

func mk(ids ...string) []models.Model {
	out := make([]models.Model, len(ids))
	for i, id := range ids {
		out[i] = models.Model{ID: id, Object: "model", OwnedBy: "openai"}
	}
	return out
}

func TestComputeHash_OrderIndependent(t *testing.T) {
	list := mk("gpt-4o", "claude-3", "gemini-pro", "gpt-3.5", "o1", "llama-3")
	want := ComputeHash(list)
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		shuffled := append([]models.Model(nil), list...)
		r.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		if got := ComputeHash(shuffled); got != want {
			t.Fatalf("hash changed after shuffle: %s != %s", got, want)
		}
	}
}

func TestComputeHash_Distinguishes(t *testing.T) {
	if ComputeHash(mk("a")) == ComputeHash(mk("a", "b")) {
		t.Fatalf("different lists must hash differently")
	}
	if len(ComputeHash(nil)) != 64 {
		t.Fatalf("expected 256-bit hex digest")
	}
	if ComputeHash(nil) != ComputeHash([]models.Model{}) {
		t.Fatalf("nil and empty list must hash the same")
	}
}

func TestComputeDiff(t *testing.T) {
	cases := []struct {
		name          string
		prev, next    []models.Model
		added, removed []string
	}{
		{"added", mk("gpt-3.5"), mk("gpt-3.5", "gpt-4"), []string{"gpt-4"}, []string{}},
		{"removed", mk("a", "b", "c"), mk("b"), []string{}, []string{"a", "c"}},
		{"both", mk("a", "b"), mk("b", "c"), []string{"c"}, []string{"a"}},
		{"identical", mk("x", "y"), mk("y", "x"), []string{}, []string{}},
		{"from empty", nil, mk("z"), []string{"z"}, []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := ComputeDiff(tc.prev, tc.next)
			if got := models.ModelIDs(d.Added); !reflect.DeepEqual(got, tc.added) {
				t.Fatalf("added = %v, want %v", got, tc.added)
			}
			if got := models.ModelIDs(d.Removed); !reflect.DeepEqual(got, tc.removed) {
				t.Fatalf("removed = %v, want %v", got, tc.removed)
			}
			if len(d.Changed) != 0 {
				t.Fatalf("changed must stay empty")
			}
		})
	}
}

func TestComputeDiff_IgnoresAttributeChanges(t *testing.T) {
	prev := []models.Model{{ID: "m", OwnedBy: "a"}}
	next := []models.Model{{ID: "m", OwnedBy: "b"}}
	if d := ComputeDiff(prev, next); d.HasChanges() {
		t.Fatalf("attribute-only change must not be reported: %+v", d)
	}
}

func TestCheckInTransition(t *testing.T) {
	ok := &models.CheckInResult{Success: true, Message: "checked in"}
	fail := &models.CheckInResult{Success: false, Error: "already checked in today"}
	fail2 := &models.CheckInResult{Success: false, Error: "unauthorized"}

	cases := []struct {
		name      string
		prev, cur *models.CheckInResult
		want      bool
	}{
		{"first result", nil, ok, true},
		{"no current", ok, nil, false},
		{"success to failure", ok, fail, true},
		{"failure to success", fail, ok, true},
		{"same success", ok, &models.CheckInResult{Success: true, Message: "different text"}, false},
		{"same failure", fail, &models.CheckInResult{Success: false, Error: "already checked in today"}, false},
		{"different failure", fail, fail2, true},
	}
	for _, tc := range cases {
		if got := CheckInTransition(tc.prev, tc.cur); got != tc.want {
			t.Fatalf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}
