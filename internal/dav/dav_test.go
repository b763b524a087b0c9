package dav

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vmfds/kool-dav/internal/auth"
	"github.com/vmfds/kool-dav/internal/backend/cards"
	"github.com/vmfds/kool-dav/internal/backend/catalog"
	"github.com/vmfds/kool-dav/internal/backend/principals"
	"github.com/vmfds/kool-dav/internal/config"
	"github.com/vmfds/kool-dav/internal/store"
	"github.com/vmfds/kool-dav/internal/store/storetest"
)

var errFlaky = errors.New("store offline")

func testHandlers(t *testing.T) (*Handlers, *storetest.Store) {
	t.Helper()
	st := storetest.New()
	created := time.Date(2021, 1, 1, 12, 0, 0, 0, time.UTC)
	st.AddPerson(store.Person{
		ID:        1,
		FirstName: "Anna",
		LastName:  "Muster",
		Email:     "anna@example.org",
		Phone:     "+41791234567",
		Street:    "Bahnhofstrasse 1",
		Zip:       "8001",
		City:      "Zürich",
		CreatedAt: created,
	}, "x")
	st.AddPerson(store.Person{
		ID:        2,
		FirstName: "Bert",
		LastName:  "Beispiel",
		Email:     "bert@example.org",
		CreatedAt: created,
	}, "x")

	cfg := &config.Config{
		HTTP: config.HTTPConfig{
			Addr:        ":0",
			BasePath:    "/dav",
			MaxVCFBytes: 1 << 20,
		},
		Addressbook: config.AddressbookConfig{
			URI:            "kool",
			AdminCMSUserID: "admin",
		},
	}

	logger := zerolog.Nop()
	dir := principals.New(st, logger)
	cat := catalog.New(st, cfg.Addressbook, logger)
	repo := cards.New(st, cfg.Addressbook, logger)
	return NewHandlers(cfg, dir, cat, repo, logger), st
}

func authedRequest(method, target, body string) *http.Request {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	ctx := auth.WithPrincipal(context.Background(), &auth.Principal{
		Email:   "anna@example.org",
		Display: "anna@example.org",
	})
	return r.WithContext(ctx)
}

func TestPropfindPrincipal(t *testing.T) {
	h, _ := testHandlers(t)

	w := httptest.NewRecorder()
	h.HandlePropfind(w, authedRequest("PROPFIND", "/dav/principals/anna@example.org", ""))

	if w.Code != 207 {
		t.Fatalf("status = %d, want 207", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		"/dav/principals/anna@example.org",
		"addressbook-home-set",
		"/dav/addressbooks/anna@example.org/",
		"email-address",
		"anna@example.org",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("response missing %q:\n%s", want, body)
		}
	}
}

func TestPropfindPrincipalCollection(t *testing.T) {
	h, _ := testHandlers(t)

	w := httptest.NewRecorder()
	r := authedRequest("PROPFIND", "/dav/principals/", "")
	r.Header.Set("Depth", "1")
	h.HandlePropfind(w, r)

	if w.Code != 207 {
		t.Fatalf("status = %d, want 207", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "anna@example.org") || !strings.Contains(body, "bert@example.org") {
		t.Fatalf("depth 1 must list every principal:\n%s", body)
	}
}

func TestPropfindAddressbook(t *testing.T) {
	h, _ := testHandlers(t)

	t.Run("depth 0", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := authedRequest("PROPFIND", "/dav/addressbooks/anna@example.org/kool/", "")
		h.HandlePropfind(w, r)

		if w.Code != 207 {
			t.Fatalf("status = %d, want 207", w.Code)
		}
		body := w.Body.String()
		for _, want := range []string{"addressbook", "getctag", "sync-token", "supported-report-set"} {
			if !strings.Contains(body, want) {
				t.Fatalf("response missing %q:\n%s", want, body)
			}
		}
		if strings.Contains(body, "kool/1") {
			t.Fatal("depth 0 must not list members")
		}
	})

	t.Run("depth 1 lists cards", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := authedRequest("PROPFIND", "/dav/addressbooks/anna@example.org/kool/", "")
		r.Header.Set("Depth", "1")
		h.HandlePropfind(w, r)

		body := w.Body.String()
		for _, want := range []string{"/dav/addressbooks/anna@example.org/kool/1", "/dav/addressbooks/anna@example.org/kool/2", "getetag"} {
			if !strings.Contains(body, want) {
				t.Fatalf("response missing %q:\n%s", want, body)
			}
		}
	})

	t.Run("unknown book", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.HandlePropfind(w, authedRequest("PROPFIND", "/dav/addressbooks/anna@example.org/other/", ""))
		if w.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", w.Code)
		}
	})

	t.Run("unauthenticated", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest("PROPFIND", "/dav/addressbooks/anna@example.org/kool/", nil)
		h.HandlePropfind(w, r)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", w.Code)
		}
	})
}

func TestGetCard(t *testing.T) {
	h, st := testHandlers(t)

	w := httptest.NewRecorder()
	h.HandleGet(w, authedRequest(http.MethodGet, "/dav/addressbooks/anna@example.org/kool/1", ""))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/vcard") {
		t.Fatalf("content type = %q", ct)
	}
	etag := w.Header().Get("ETag")
	if etag == "" || !strings.HasPrefix(etag, `"`) {
		t.Fatalf("missing quoted ETag, got %q", etag)
	}
	if w.Header().Get("Last-Modified") == "" {
		t.Fatal("missing Last-Modified")
	}
	if !strings.Contains(w.Body.String(), "BEGIN:VCARD") {
		t.Fatal("body is not a vCard")
	}

	t.Run("conditional GET", func(t *testing.T) {
		w2 := httptest.NewRecorder()
		r := authedRequest(http.MethodGet, "/dav/addressbooks/anna@example.org/kool/1", "")
		r.Header.Set("If-None-Match", etag)
		h.HandleGet(w2, r)
		if w2.Code != http.StatusNotModified {
			t.Fatalf("status = %d, want 304", w2.Code)
		}
	})

	t.Run("vcf extension is tolerated", func(t *testing.T) {
		w2 := httptest.NewRecorder()
		h.HandleGet(w2, authedRequest(http.MethodGet, "/dav/addressbooks/anna@example.org/kool/1.vcf", ""))
		if w2.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w2.Code)
		}
	})

	t.Run("missing card", func(t *testing.T) {
		w2 := httptest.NewRecorder()
		h.HandleGet(w2, authedRequest(http.MethodGet, "/dav/addressbooks/anna@example.org/kool/404", ""))
		if w2.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", w2.Code)
		}
	})

	t.Run("store outage is a server error", func(t *testing.T) {
		st.Err = errFlaky
		defer func() { st.Err = nil }()
		w2 := httptest.NewRecorder()
		h.HandleGet(w2, authedRequest(http.MethodGet, "/dav/addressbooks/anna@example.org/kool/1", ""))
		if w2.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", w2.Code)
		}
	})
}

func TestWritesForbidden(t *testing.T) {
	h, _ := testHandlers(t)

	t.Run("PUT", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.HandlePut(w, authedRequest(http.MethodPut, "/dav/addressbooks/anna@example.org/kool/1", "BEGIN:VCARD\r\nEND:VCARD\r\n"))
		if w.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", w.Code)
		}
	})

	t.Run("DELETE", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.HandleDelete(w, authedRequest(http.MethodDelete, "/dav/addressbooks/anna@example.org/kool/1", ""))
		if w.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", w.Code)
		}
	})

	t.Run("MKCOL", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.HandleMkcol(w, authedRequest("MKCOL", "/dav/addressbooks/anna@example.org/extra/", ""))
		if w.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", w.Code)
		}
	})
}

func TestReportMultiget(t *testing.T) {
	h, st := testHandlers(t)

	body := `<?xml version="1.0" encoding="utf-8"?>
<C:addressbook-multiget xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:carddav">
  <D:prop><D:getetag/><C:address-data/></D:prop>
  <D:href>/dav/addressbooks/anna@example.org/kool/1</D:href>
  <D:href>/dav/addressbooks/anna@example.org/kool/2.vcf</D:href>
  <D:href>/dav/addressbooks/anna@example.org/kool/404</D:href>
</C:addressbook-multiget>`

	w := httptest.NewRecorder()
	h.HandleReport(w, authedRequest("REPORT", "/dav/addressbooks/anna@example.org/kool/", body))

	if w.Code != 207 {
		t.Fatalf("status = %d, want 207", w.Code)
	}
	out := w.Body.String()
	if !strings.Contains(out, "BEGIN:VCARD") {
		t.Fatalf("missing address-data:\n%s", out)
	}
	if !strings.Contains(out, "bert@example.org") {
		t.Fatalf("extension-suffixed href must resolve:\n%s", out)
	}
	if !strings.Contains(out, "404 Not Found") {
		t.Fatalf("missing member must be reported as 404:\n%s", out)
	}

	t.Run("store outage aborts the report", func(t *testing.T) {
		st.Err = errFlaky
		defer func() { st.Err = nil }()
		w2 := httptest.NewRecorder()
		h.HandleReport(w2, authedRequest("REPORT", "/dav/addressbooks/anna@example.org/kool/", body))
		if w2.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", w2.Code)
		}
	})
}

func TestReportAddressbookQuery(t *testing.T) {
	h, _ := testHandlers(t)

	body := `<?xml version="1.0" encoding="utf-8"?>
<C:addressbook-query xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:carddav">
  <D:prop><D:getetag/><C:address-data/></D:prop>
  <C:filter>
    <C:prop-filter name="EMAIL">
      <C:text-match collation="i;unicode-casemap" match-type="contains">bert</C:text-match>
    </C:prop-filter>
  </C:filter>
</C:addressbook-query>`

	w := httptest.NewRecorder()
	h.HandleReport(w, authedRequest("REPORT", "/dav/addressbooks/anna@example.org/kool/", body))

	if w.Code != 207 {
		t.Fatalf("status = %d, want 207", w.Code)
	}
	out := w.Body.String()
	if !strings.Contains(out, "/dav/addressbooks/anna@example.org/kool/2") {
		t.Fatalf("expected bert's card in result:\n%s", out)
	}
	if strings.Contains(out, "/dav/addressbooks/anna@example.org/kool/1<") {
		t.Fatalf("anna's card must be filtered out:\n%s", out)
	}
}

func TestReportSyncCollection(t *testing.T) {
	h, st := testHandlers(t)

	fresh := `<?xml version="1.0" encoding="utf-8"?>
<D:sync-collection xmlns:D="DAV:">
  <D:sync-token></D:sync-token>
  <D:prop><D:getetag/></D:prop>
</D:sync-collection>`

	w := httptest.NewRecorder()
	h.HandleReport(w, authedRequest("REPORT", "/dav/addressbooks/anna@example.org/kool/", fresh))
	if w.Code != 207 {
		t.Fatalf("status = %d, want 207", w.Code)
	}
	out := w.Body.String()
	if !strings.Contains(out, "kool/1") || !strings.Contains(out, "kool/2") {
		t.Fatalf("initial sync must list every card:\n%s", out)
	}

	token := extractSyncToken(t, out)

	t.Run("current token yields empty delta", func(t *testing.T) {
		body := `<?xml version="1.0" encoding="utf-8"?>
<D:sync-collection xmlns:D="DAV:">
  <D:sync-token>` + token + `</D:sync-token>
  <D:prop><D:getetag/></D:prop>
</D:sync-collection>`
		w2 := httptest.NewRecorder()
		h.HandleReport(w2, authedRequest("REPORT", "/dav/addressbooks/anna@example.org/kool/", body))
		out2 := w2.Body.String()
		if strings.Contains(out2, "kool/1") || strings.Contains(out2, "<response>") {
			t.Fatalf("unchanged book must yield no members:\n%s", out2)
		}
		if !strings.Contains(out2, token) {
			t.Fatalf("response must carry the current token:\n%s", out2)
		}
		if strings.Contains(out2, "<propstat>") {
			t.Fatalf("the token must be a direct multistatus child, not a property:\n%s", out2)
		}
	})

	t.Run("stale token yields full resync", func(t *testing.T) {
		st.TouchPerson(2, func(p *store.Person) { p.City = "Bern" })
		body := `<?xml version="1.0" encoding="utf-8"?>
<D:sync-collection xmlns:D="DAV:">
  <D:sync-token>` + token + `</D:sync-token>
  <D:prop><D:getetag/></D:prop>
</D:sync-collection>`
		w2 := httptest.NewRecorder()
		h.HandleReport(w2, authedRequest("REPORT", "/dav/addressbooks/anna@example.org/kool/", body))
		out2 := w2.Body.String()
		if !strings.Contains(out2, "kool/1") || !strings.Contains(out2, "kool/2") {
			t.Fatalf("stale token must yield a full listing:\n%s", out2)
		}
	})
}

func extractSyncToken(t *testing.T, body string) string {
	t.Helper()
	const open = "<sync-token"
	i := strings.Index(body, open)
	if i < 0 {
		t.Fatalf("no sync-token in response:\n%s", body)
	}
	rest := body[i:]
	start := strings.Index(rest, ">")
	end := strings.Index(rest, "</")
	if start < 0 || end < 0 || end <= start {
		t.Fatalf("malformed sync-token element:\n%s", body)
	}
	return strings.TrimSpace(rest[start+1 : end])
}

func TestReportPrincipalPropertySearch(t *testing.T) {
	h, _ := testHandlers(t)

	body := `<?xml version="1.0" encoding="utf-8"?>
<D:principal-property-search xmlns:D="DAV:" xmlns:S="http://sabredav.org/ns">
  <D:property-search>
    <D:prop><S:email-address/></D:prop>
    <D:match>bert</D:match>
  </D:property-search>
</D:principal-property-search>`

	w := httptest.NewRecorder()
	h.HandleReport(w, authedRequest("REPORT", "/dav/principals/", body))

	if w.Code != 207 {
		t.Fatalf("status = %d, want 207", w.Code)
	}
	out := w.Body.String()
	if !strings.Contains(out, "/dav/principals/bert@example.org") {
		t.Fatalf("expected bert in result:\n%s", out)
	}
	if strings.Contains(out, "/dav/principals/anna@example.org</") {
		t.Fatalf("anna must not match:\n%s", out)
	}
}

func TestReportPrincipalSearchPropertySet(t *testing.T) {
	h, _ := testHandlers(t)

	body := `<?xml version="1.0" encoding="utf-8"?>
<D:principal-search-property-set xmlns:D="DAV:"/>`

	w := httptest.NewRecorder()
	h.HandleReport(w, authedRequest("REPORT", "/dav/principals/", body))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	out := w.Body.String()
	if !strings.Contains(out, "displayname") || !strings.Contains(out, "email-address") {
		t.Fatalf("property set must name the searchable properties:\n%s", out)
	}
}

func TestProppatch(t *testing.T) {
	h, _ := testHandlers(t)

	t.Run("principal claims displayname", func(t *testing.T) {
		body := `<?xml version="1.0" encoding="utf-8"?>
<D:propertyupdate xmlns:D="DAV:">
  <D:set><D:prop><D:displayname>anna2@example.org</D:displayname></D:prop></D:set>
  <D:set><D:prop><D:getcontentlength>5</D:getcontentlength></D:prop></D:set>
</D:propertyupdate>`
		w := httptest.NewRecorder()
		h.HandleProppatch(w, authedRequest("PROPPATCH", "/dav/principals/anna@example.org", body))
		if w.Code != 207 {
			t.Fatalf("status = %d, want 207", w.Code)
		}
		out := w.Body.String()
		if !strings.Contains(out, "200 OK") {
			t.Fatalf("claimed property must report success:\n%s", out)
		}
		if !strings.Contains(out, "403 Forbidden") {
			t.Fatalf("unclaimed property must report failure:\n%s", out)
		}
		// Each propstat must name the properties it covers.
		if !strings.Contains(out, "displayname") || !strings.Contains(out, "getcontentlength") {
			t.Fatalf("propstats must name the patched properties:\n%s", out)
		}
		if i, j := strings.Index(out, "displayname"), strings.Index(out, "getcontentlength"); i > j {
			t.Fatalf("claimed property must come in the 200 propstat before the 403 one:\n%s", out)
		}
	})

	t.Run("addressbook claims nothing", func(t *testing.T) {
		body := `<?xml version="1.0" encoding="utf-8"?>
<D:propertyupdate xmlns:D="DAV:">
  <D:set><D:prop><D:displayname>Mine</D:displayname></D:prop></D:set>
</D:propertyupdate>`
		w := httptest.NewRecorder()
		h.HandleProppatch(w, authedRequest("PROPPATCH", "/dav/addressbooks/anna@example.org/kool/", body))
		if w.Code != 207 {
			t.Fatalf("status = %d, want 207", w.Code)
		}
		out := w.Body.String()
		if !strings.Contains(out, "403 Forbidden") {
			t.Fatalf("book metadata changes must be refused:\n%s", out)
		}
		if strings.Contains(out, "200 OK") {
			t.Fatalf("no property may be claimed on a book:\n%s", out)
		}
		if !strings.Contains(out, "displayname") {
			t.Fatalf("the refused propstat must name the property:\n%s", out)
		}
	})
}
