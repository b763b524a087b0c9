package dav

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"
)

const (
	nsDAV     = "DAV:"
	nsCardDAV = "urn:ietf:params:xml:ns:carddav"
	nsCS      = "http://calendarserver.org/ns/"
	nsSabre   = "http://sabredav.org/ns"
)

type multistatus struct {
	XMLName   xml.Name   `xml:"DAV: multistatus"`
	Resp      []response `xml:"response"`
	SyncToken *string    `xml:"sync-token,omitempty"`
}

type supportedAddrData struct {
	ContentType string `xml:"content-type,attr"`
	Version     string `xml:"version,attr,omitempty"`
}

type response struct {
	Href     string     `xml:"href"`
	Propstat []propstat `xml:"propstat"`
}

type propstat struct {
	Prop   prop   `xml:"prop"`
	Status string `xml:"status"`
}

type prop struct {
	Resourcetype           *resourcetype      `xml:"resourcetype,omitempty"`
	DisplayName            *string            `xml:"displayname,omitempty"`
	CurrentUserPrincipal   *href              `xml:"current-user-principal>href,omitempty"`
	PrincipalURL           *href              `xml:"principal-URL>href,omitempty"`
	PrincipalCollectionSet *hrefs             `xml:"principal-collection-set,omitempty"`
	AddressbookHomeSet     *href              `xml:"urn:ietf:params:xml:ns:carddav addressbook-home-set>href,omitempty"`
	AddressbookDescription *string            `xml:"urn:ietf:params:xml:ns:carddav addressbook-description,omitempty"`
	SupportedAddressData   *supportedAddrSet  `xml:"urn:ietf:params:xml:ns:carddav supported-address-data,omitempty"`
	Owner                  *href              `xml:"owner>href,omitempty"`
	GetCTag                *string            `xml:"http://calendarserver.org/ns/ getctag,omitempty"`
	SyncToken              *string            `xml:"DAV: sync-token,omitempty"`
	ContentType            *string            `xml:"getcontenttype,omitempty"`
	AddressDataText        string             `xml:"urn:ietf:params:xml:ns:carddav address-data,omitempty"`
	GetETag                string             `xml:"getetag,omitempty"`
	GetLastModified        string             `xml:"getlastmodified,omitempty"`
	EmailAddress           *string            `xml:"http://sabredav.org/ns email-address,omitempty"`
	SupportedReportSet     *supportedRepSet   `xml:"supported-report-set,omitempty"`
	GroupMemberSet         *hrefs             `xml:"group-member-set,omitempty"`
	GroupMembership        *hrefs             `xml:"group-membership,omitempty"`
}

type resourcetype struct {
	Collection  *struct{} `xml:"collection,omitempty"`
	Principal   *struct{} `xml:"principal,omitempty"`
	Addressbook *struct{} `xml:"urn:ietf:params:xml:ns:carddav addressbook,omitempty"`
}

type href struct {
	Value string `xml:",chardata"`
}
type hrefs struct {
	Values []string `xml:"href"`
}

type supportedAddrSet struct {
	Data []supportedAddrData `xml:"address-data-type"`
}

type supportedRepSet struct {
	Reports []supportedReport `xml:"supported-report"`
}
type supportedReport struct {
	Report reportName `xml:"report"`
}
type reportName struct {
	AddressbookQuery        *struct{} `xml:"urn:ietf:params:xml:ns:carddav addressbook-query,omitempty"`
	AddressbookMultiget     *struct{} `xml:"urn:ietf:params:xml:ns:carddav addressbook-multiget,omitempty"`
	SyncCollection          *struct{} `xml:"DAV: sync-collection,omitempty"`
	PrincipalPropertySearch *struct{} `xml:"DAV: principal-property-search,omitempty"`
}

func writeMultiStatus(w http.ResponseWriter, ms multistatus) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(ms); err != nil {
		http.Error(w, fmt.Sprintf("xml encode error: %v", err), http.StatusInternalServerError)
		return
	}
	_ = enc.Flush()
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(207)
	_, _ = w.Write(buf.Bytes())
}

func ok() string { return "HTTP/1.1 200 OK" }

func notFound() string { return "HTTP/1.1 404 Not Found" }

func forbidden() string { return "HTTP/1.1 403 Forbidden" }

func makeAddressbookResourcetype() *resourcetype {
	return &resourcetype{
		Collection:  &struct{}{},
		Addressbook: &struct{}{},
	}
}
func makeCollectionResourcetype() *resourcetype {
	return &resourcetype{
		Collection: &struct{}{},
	}
}
func makePrincipalResourcetype() *resourcetype {
	return &resourcetype{
		Principal: &struct{}{},
	}
}

func vcfContentType() *string {
	ct := "text/vcard; charset=utf-8"
	return &ct
}

func supportedVCard3() *supportedAddrSet {
	return &supportedAddrSet{Data: []supportedAddrData{{ContentType: "text/vcard", Version: "3.0"}}}
}

func addressbookReports() *supportedRepSet {
	return &supportedRepSet{Reports: []supportedReport{
		{Report: reportName{AddressbookQuery: &struct{}{}}},
		{Report: reportName{AddressbookMultiget: &struct{}{}}},
		{Report: reportName{SyncCollection: &struct{}{}}},
	}}
}

func joinURL(parts ...string) string {
	s := strings.Join(parts, "/")
	s = strings.ReplaceAll(s, "//", "/")
	if !strings.HasPrefix(s, "/") {
		s = "/" + s
	}
	return s
}

func (h *Handlers) currentUserPrincipalHref(ctx context.Context) string {
	p, _ := h.currentPrincipal(ctx)
	if p == nil {
		return joinURL(h.basePath, "principals")
	}
	return h.principalURL(p.Email)
}

func strPtr(s string) *string { return &s }
