package principals

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vmfds/kool-dav/internal/store"
	"github.com/vmfds/kool-dav/internal/store/storetest"
)

func seedTwo(st *storetest.Store) {
	now := time.Now().UTC()
	st.AddPerson(store.Person{ID: 1, FirstName: "Anna", LastName: "Muster", Email: "anna@example.org", CreatedAt: now}, "x")
	st.AddPerson(store.Person{ID: 2, FirstName: "Bert", LastName: "Beispiel", Email: "bert@example.org", CreatedAt: now}, "x")
}

func TestListByPrefix(t *testing.T) {
	st := storetest.New()
	seedTwo(st)
	d := New(st, zerolog.Nop())

	list, err := d.ListByPrefix(context.Background(), CollectionPrefix)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 principals, got %d", len(list))
	}
	if list[0].URI != "principals/anna@example.org" {
		t.Fatalf("unexpected URI %q", list[0].URI)
	}
	if list[0].DisplayName != "anna@example.org" {
		t.Fatalf("display name must be the email, got %q", list[0].DisplayName)
	}

	other, err := d.ListByPrefix(context.Background(), "groups")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("foreign prefix must list nothing, got %d", len(other))
	}
}

func TestByPath(t *testing.T) {
	st := storetest.New()
	seedTwo(st)
	d := New(st, zerolog.Nop())
	ctx := context.Background()

	t.Run("listed principals resolve", func(t *testing.T) {
		list, err := d.ListByPrefix(ctx, CollectionPrefix)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for _, want := range list {
			got, err := d.ByPath(ctx, want.URI)
			if err != nil {
				t.Fatalf("ByPath(%q): %v", want.URI, err)
			}
			if got == nil || got.URI != want.URI || got.Email != want.Email {
				t.Fatalf("ByPath(%q) = %+v, want %+v", want.URI, got, want)
			}
		}
	})

	t.Run("missing principal is nil", func(t *testing.T) {
		got, err := d.ByPath(ctx, "principals/ghost@example.org")
		if err != nil {
			t.Fatalf("missing principal must not error: %v", err)
		}
		if got != nil {
			t.Fatalf("expected nil, got %+v", got)
		}
	})

	t.Run("malformed path is nil", func(t *testing.T) {
		for _, p := range []string{"", "principals", "principals/", "other/anna@example.org", "principals/a/b"} {
			got, err := d.ByPath(ctx, p)
			if err != nil {
				t.Fatalf("ByPath(%q): %v", p, err)
			}
			if got != nil {
				t.Fatalf("ByPath(%q) = %+v, want nil", p, got)
			}
		}
	})
}

func TestSearch(t *testing.T) {
	st := storetest.New()
	seedTwo(st)
	d := New(st, zerolog.Nop())
	ctx := context.Background()

	t.Run("substring match", func(t *testing.T) {
		uris, err := d.Search(ctx, CollectionPrefix, map[string]string{PropEmailAddress: "anna"}, MatchAny)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(uris) != 1 || uris[0] != "principals/anna@example.org" {
			t.Fatalf("unexpected result %v", uris)
		}
	})

	t.Run("displayname maps to email", func(t *testing.T) {
		uris, err := d.Search(ctx, CollectionPrefix, map[string]string{PropDisplayName: "bert"}, MatchAll)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(uris) != 1 || uris[0] != "principals/bert@example.org" {
			t.Fatalf("unexpected result %v", uris)
		}
	})

	t.Run("allof requires every criterion", func(t *testing.T) {
		uris, err := d.Search(ctx, CollectionPrefix, map[string]string{
			PropDisplayName:  "anna",
			PropEmailAddress: "bert",
		}, MatchAll)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(uris) != 0 {
			t.Fatalf("expected no matches, got %v", uris)
		}
	})

	t.Run("anyof accepts one criterion", func(t *testing.T) {
		uris, err := d.Search(ctx, CollectionPrefix, map[string]string{
			PropDisplayName:  "anna",
			PropEmailAddress: "bert",
		}, MatchAny)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(uris) != 2 {
			t.Fatalf("expected both principals, got %v", uris)
		}
	})

	t.Run("unsupported property empties the search", func(t *testing.T) {
		uris, err := d.Search(ctx, CollectionPrefix, map[string]string{
			PropEmailAddress:    "anna",
			"{DAV:}creationdate": "2020",
		}, MatchAny)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(uris) != 0 {
			t.Fatalf("expected empty result, got %v", uris)
		}
	})
}

func TestUpdate(t *testing.T) {
	st := storetest.New()
	seedTwo(st)
	d := New(st, zerolog.Nop())
	ctx := context.Background()

	t.Run("claims known properties only", func(t *testing.T) {
		claimed, err := d.Update(ctx, "principals/anna@example.org", map[string]string{
			PropDisplayName:      "anna2@example.org",
			"{DAV:}getetag":      "ignored",
			"{urn:x}customfield": "ignored",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(claimed) != 1 || claimed[0] != PropDisplayName {
			t.Fatalf("unexpected claim set %v", claimed)
		}
	})

	t.Run("email-address wins when both claimed properties collide", func(t *testing.T) {
		st2 := storetest.New()
		seedTwo(st2)
		d2 := New(st2, zerolog.Nop())

		claimed, err := d2.Update(ctx, "principals/anna@example.org", map[string]string{
			PropDisplayName:  "display@example.org",
			PropEmailAddress: "addr@example.org",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(claimed) != 2 {
			t.Fatalf("unexpected claim set %v", claimed)
		}
		// Both map onto the email column; the outcome must not depend on
		// map iteration order.
		if _, err := st2.GetPersonByEmail(ctx, "addr@example.org"); err != nil {
			t.Fatalf("email-address value must prevail: %v", err)
		}
	})

	t.Run("nothing claimed means no store write", func(t *testing.T) {
		claimed, err := d.Update(ctx, "principals/bert@example.org", map[string]string{
			"{urn:x}customfield": "v",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(claimed) != 0 {
			t.Fatalf("expected no claims, got %v", claimed)
		}
	})
}

func TestGroups(t *testing.T) {
	d := New(storetest.New(), zerolog.Nop())

	members, err := d.GroupMemberSet(context.Background(), "principals/anna@example.org")
	if err != nil || members == nil || len(members) != 0 {
		t.Fatalf("expected empty member set, got %v (%v)", members, err)
	}
	groups, err := d.GroupMembership(context.Background(), "principals/anna@example.org")
	if err != nil || groups == nil || len(groups) != 0 {
		t.Fatalf("expected empty membership, got %v (%v)", groups, err)
	}
}
