package dav

import (
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/vmfds/kool-dav/internal/store"
)

// HandleGet serves a raw vCard by card path. HEAD goes through the same
// handler; net/http suppresses the body.
func (h *Handlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	owner, bookURI, rest := h.splitAddressbookPath(r.URL.Path)
	if owner == "" || bookURI == "" || len(rest) == 0 {
		http.NotFound(w, r)
		return
	}
	segment := rest[len(rest)-1]
	if !safeSegment(segment) {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}
	if _, ok2 := h.resolveAddressbook(w, r, owner, bookURI); !ok2 {
		return
	}

	c, err := h.cards.Get(r.Context(), bookURI, cardKeyFromSegment(segment))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	// ETag conditional GET
	inm := trimQuotes(r.Header.Get("If-None-Match"))
	if inm != "" && inm == c.ETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "text/vcard; charset=utf-8")
	w.Header().Set("ETag", `"`+c.ETag+`"`)
	if !c.LastModified.IsZero() {
		w.Header().Set("Last-Modified", c.LastModified.UTC().Format(time.RFC1123))
	}
	_, _ = w.Write(c.Data)
}

// HandlePut rejects card writes: the persons table is maintained through
// the site, never through DAV clients.
func (h *Handlers) HandlePut(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, h.cfg.HTTP.MaxVCFBytes))
	_ = r.Body.Close()
	http.Error(w, "addressbook is read-only", http.StatusForbidden)
}

func (h *Handlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "addressbook is read-only", http.StatusForbidden)
}

func (h *Handlers) HandleMkcol(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "collections are provisioned from the persons table", http.StatusForbidden)
}

type proppatchProp struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

type propertyUpdate struct {
	XMLName xml.Name         `xml:"DAV: propertyupdate"`
	Set     []proppatchProps `xml:"set>prop"`
	Remove  []proppatchProps `xml:"remove>prop"`
}

type proppatchProps struct {
	Props []proppatchProp `xml:",any"`
}

// PROPPATCH responses carry their own marshal types: each propstat must name
// the properties it covers (empty elements, no values), which the shared prop
// struct cannot express.
type ppMultistatus struct {
	XMLName xml.Name     `xml:"DAV: multistatus"`
	Resp    []ppResponse `xml:"response"`
}

type ppResponse struct {
	Href     string       `xml:"href"`
	Propstat []ppPropstat `xml:"propstat"`
}

type ppPropstat struct {
	Prop   ppPropList `xml:"prop"`
	Status string     `xml:"status"`
}

type ppPropList struct {
	Props []ppPropName
}

type ppPropName struct {
	XMLName xml.Name
}

// HandleProppatch answers property updates with per-property status. The
// principal directory claims the properties it can persist; everything else
// comes back 403 so clients know the change did not stick.
func (h *Handlers) HandleProppatch(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	_ = r.Body.Close()

	var req propertyUpdate
	if err := xml.Unmarshal(body, &req); err != nil {
		http.Error(w, "bad xml", http.StatusBadRequest)
		return
	}

	props := make(map[string]string)
	var order []xml.Name
	collect := func(blocks []proppatchProps) {
		for _, blk := range blocks {
			for _, p := range blk.Props {
				key := "{" + p.XMLName.Space + "}" + p.XMLName.Local
				if _, seen := props[key]; !seen {
					order = append(order, p.XMLName)
				}
				props[key] = p.Value
			}
		}
	}
	collect(req.Set)
	collect(req.Remove)

	var claimed []string
	if h.isPrincipalPath(r.URL.Path) {
		u, _ := h.currentPrincipal(r.Context())
		if u == nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		path := h.principalPathFor(r.URL.Path)
		var err error
		claimed, err = h.principals.Update(r.Context(), path, props)
		if err != nil {
			http.Error(w, "storage error", http.StatusInternalServerError)
			return
		}
	} else if owner, bookURI, rest := h.splitAddressbookPath(r.URL.Path); owner != "" && bookURI != "" && len(rest) == 0 {
		var err error
		claimed, err = h.catalog.UpdateAddressBook(r.Context(), bookURI, props)
		if err != nil {
			http.Error(w, "storage error", http.StatusInternalServerError)
			return
		}
	} else {
		http.NotFound(w, r)
		return
	}

	claimedSet := make(map[string]bool, len(claimed))
	for _, k := range claimed {
		claimedSet[k] = true
	}

	var okNames, failNames []ppPropName
	for _, n := range order {
		key := "{" + n.Space + "}" + n.Local
		if claimedSet[key] {
			okNames = append(okNames, ppPropName{XMLName: n})
		} else {
			failNames = append(failNames, ppPropName{XMLName: n})
		}
	}

	resp := ppResponse{Href: r.URL.Path}
	if len(okNames) > 0 {
		resp.Propstat = append(resp.Propstat, ppPropstat{Prop: ppPropList{Props: okNames}, Status: ok()})
	}
	if len(failNames) > 0 {
		resp.Propstat = append(resp.Propstat, ppPropstat{Prop: ppPropList{Props: failNames}, Status: forbidden()})
	}
	if len(resp.Propstat) == 0 {
		resp.Propstat = append(resp.Propstat, ppPropstat{Status: ok()})
	}

	data, err := xml.MarshalIndent(ppMultistatus{Resp: []ppResponse{resp}}, "", "  ")
	if err != nil {
		http.Error(w, "xml encode error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(207)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(data)
}
