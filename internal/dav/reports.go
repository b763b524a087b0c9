package dav

import (
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vmfds/kool-dav/internal/backend/cards"
	"github.com/vmfds/kool-dav/internal/backend/principals"
	"github.com/vmfds/kool-dav/internal/store"
)

type propContainer struct {
	XMLName xml.Name `xml:"DAV: prop"`
	Any     []xml.Name
}

type addressbookQuery struct {
	XMLName xml.Name          `xml:"urn:ietf:params:xml:ns:carddav addressbook-query"`
	Prop    propContainer     `xml:"DAV: prop"`
	Filter  addressbookFilter `xml:"filter"`
}

type addressbookFilter struct {
	Test        string       `xml:"test,attr"`
	PropFilters []propFilter `xml:"prop-filter"`
}

type propFilter struct {
	Name      string     `xml:"name,attr"`
	TextMatch *textMatch `xml:"text-match"`
}

type textMatch struct {
	Collation       string `xml:"collation,attr"`
	NegateCondition string `xml:"negate-condition,attr"`
	Value           string `xml:",chardata"`
}

type addressbookMultiget struct {
	XMLName xml.Name      `xml:"urn:ietf:params:xml:ns:carddav addressbook-multiget"`
	Prop    propContainer `xml:"DAV: prop"`
	Hrefs   []string      `xml:"DAV: href"`
}

type syncCollection struct {
	XMLName   xml.Name   `xml:"DAV: sync-collection"`
	SyncToken string     `xml:"sync-token"`
	Limit     *syncLimit `xml:"limit,omitempty"`
}

type syncLimit struct {
	NResults int `xml:"nresults"`
}

type principalPropertySearch struct {
	XMLName  xml.Name         `xml:"DAV: principal-property-search"`
	Test     string           `xml:"test,attr"`
	Searches []propertySearch `xml:"property-search"`
}

type propertySearch struct {
	Prop  propNames `xml:"prop"`
	Match string    `xml:"match"`
}

type propNames struct {
	Names []searchPropName `xml:",any"`
}

type searchPropName struct {
	XMLName xml.Name
}

func (h *Handlers) HandleReport(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	_ = r.Body.Close()

	root := struct {
		XMLName xml.Name
	}{}
	if err := xml.Unmarshal(body, &root); err != nil {
		http.Error(w, "bad xml", http.StatusBadRequest)
		return
	}

	switch root.XMLName.Space + " " + root.XMLName.Local {
	case nsCardDAV + " addressbook-query":
		var q addressbookQuery
		_ = xml.Unmarshal(body, &q)
		h.reportAddressbookQuery(w, r, q)
	case nsCardDAV + " addressbook-multiget":
		var mg addressbookMultiget
		_ = xml.Unmarshal(body, &mg)
		h.reportAddressbookMultiget(w, r, mg)
	case nsDAV + " sync-collection":
		var sc syncCollection
		_ = xml.Unmarshal(body, &sc)
		h.reportSyncCollection(w, r, sc)
	case nsDAV + " principal-property-search":
		var ps principalPropertySearch
		_ = xml.Unmarshal(body, &ps)
		h.reportPrincipalPropertySearch(w, r, ps)
	case nsDAV + " principal-search-property-set":
		h.reportPrincipalSearchPropertySet(w, r)
	default:
		http.Error(w, "unsupported REPORT", http.StatusBadRequest)
	}
}

func (h *Handlers) reportAddressbookQuery(w http.ResponseWriter, r *http.Request, q addressbookQuery) {
	owner, bookURI, _ := h.splitAddressbookPath(r.URL.Path)
	if owner == "" || bookURI == "" {
		http.NotFound(w, r)
		return
	}
	if _, ok2 := h.resolveAddressbook(w, r, owner, bookURI); !ok2 {
		return
	}

	list, err := h.cards.List(r.Context(), bookURI)
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	var resps []response
	for _, c := range list {
		if !matchesFilter(c, q.Filter) {
			continue
		}
		resps = append(resps, h.buildCardResponse(h.cardPath(owner, bookURI, c.URI), c))
	}
	writeMultiStatus(w, multistatus{Resp: resps})
}

// matchesFilter applies the query filter against the rendered card text.
// Matching is case-insensitive substring containment per prop-filter; an
// empty filter matches everything.
func matchesFilter(c *cards.Card, f addressbookFilter) bool {
	if len(f.PropFilters) == 0 {
		return true
	}
	data := strings.ToLower(string(c.Data))
	anyOf := strings.EqualFold(f.Test, "anyof")
	for _, pf := range f.PropFilters {
		matched := true
		if pf.TextMatch != nil && pf.TextMatch.Value != "" {
			matched = strings.Contains(data, strings.ToLower(pf.TextMatch.Value))
			if pf.TextMatch.NegateCondition == "yes" {
				matched = !matched
			}
		}
		if anyOf && matched {
			return true
		}
		if !anyOf && !matched {
			return false
		}
	}
	return !anyOf
}

func (h *Handlers) reportAddressbookMultiget(w http.ResponseWriter, r *http.Request, mg addressbookMultiget) {
	var resps []response
	for _, hrefStr := range mg.Hrefs {
		owner, bookURI, rest := h.splitAddressbookPath(hrefStr)
		if owner == "" || bookURI == "" || len(rest) == 0 {
			continue
		}
		c, err := h.cards.Get(r.Context(), bookURI, cardKeyFromSegment(rest[len(rest)-1]))
		if err != nil {
			// A backend failure aborts the whole report; only a genuinely
			// missing member is reported as 404 so clients can purge stale
			// cache entries.
			if !errors.Is(err, store.ErrNotFound) {
				http.Error(w, "storage error", http.StatusInternalServerError)
				return
			}
			resps = append(resps, response{
				Href: hrefStr,
				Propstat: []propstat{{
					Prop:   prop{},
					Status: notFound(),
				}},
			})
			continue
		}
		resps = append(resps, h.buildCardResponse(hrefStr, c))
	}
	writeMultiStatus(w, multistatus{Resp: resps})
}

func (h *Handlers) buildCardResponse(hrefStr string, c *cards.Card) response {
	p := prop{
		ContentType:     vcfContentType(),
		AddressDataText: string(c.Data),
		GetETag:         `"` + c.ETag + `"`,
	}
	if !c.LastModified.IsZero() {
		p.GetLastModified = c.LastModified.UTC().Format(time.RFC1123)
	}
	return response{
		Href: hrefStr,
		Propstat: []propstat{{
			Prop:   p,
			Status: ok(),
		}},
	}
}

// reportSyncCollection serves DAV sync without a change log: the sync token
// is the content-derived ctag, a stale or absent token yields a full
// listing, and a current token yields an empty delta. The token rides as a
// direct child of multistatus per RFC 6578.
func (h *Handlers) reportSyncCollection(w http.ResponseWriter, r *http.Request, sc syncCollection) {
	owner, bookURI, _ := h.splitAddressbookPath(r.URL.Path)
	if owner == "" || bookURI == "" {
		http.NotFound(w, r)
		return
	}
	b, ok2 := h.resolveAddressbook(w, r, owner, bookURI)
	if !ok2 {
		return
	}

	var resps []response
	if strings.TrimSpace(sc.SyncToken) != b.CTag {
		list, err := h.cards.List(r.Context(), bookURI)
		if err != nil {
			http.Error(w, "storage error", http.StatusInternalServerError)
			return
		}
		for _, c := range list {
			resps = append(resps, response{
				Href: h.cardPath(owner, bookURI, c.URI),
				Propstat: []propstat{{
					Prop: prop{
						ContentType: vcfContentType(),
						GetETag:     `"` + c.ETag + `"`,
					},
					Status: ok(),
				}},
			})
		}
	}
	writeMultiStatus(w, multistatus{Resp: resps, SyncToken: strPtr(b.CTag)})
}

func (h *Handlers) reportPrincipalPropertySearch(w http.ResponseWriter, r *http.Request, ps principalPropertySearch) {
	criteria := make(map[string]string)
	for _, s := range ps.Searches {
		for _, n := range s.Prop.Names {
			criteria["{"+n.XMLName.Space+"}"+n.XMLName.Local] = s.Match
		}
	}

	mode := principals.MatchAll
	if strings.EqualFold(ps.Test, "anyof") {
		mode = principals.MatchAny
	}

	uris, err := h.principals.Search(r.Context(), principals.CollectionPrefix, criteria, mode)
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	var resps []response
	for _, uri := range uris {
		p, err := h.principals.ByPath(r.Context(), uri)
		if err != nil || p == nil {
			continue
		}
		resps = append(resps, h.principalResponse(r, p))
	}
	writeMultiStatus(w, multistatus{Resp: resps})
}

func (h *Handlers) reportPrincipalSearchPropertySet(w http.ResponseWriter, _ *http.Request) {
	type searchProp struct {
		DisplayName  *struct{} `xml:"DAV: displayname,omitempty"`
		EmailAddress *struct{} `xml:"http://sabredav.org/ns email-address,omitempty"`
	}
	type psItem struct {
		Prop        searchProp `xml:"prop"`
		Description string     `xml:"description"`
	}
	out := struct {
		XMLName xml.Name `xml:"DAV: principal-search-property-set"`
		Items   []psItem `xml:"principal-search-property"`
	}{
		Items: []psItem{
			{Prop: searchProp{DisplayName: &struct{}{}}, Description: "Display name"},
			{Prop: searchProp{EmailAddress: &struct{}{}}, Description: "Email address"},
		},
	}

	data, err := xml.MarshalIndent(out, "", "  ")
	if err != nil {
		http.Error(w, "xml encode error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(data)
}
