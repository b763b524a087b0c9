// Package vcard projects persons rows onto vCard documents and validates
// vCard payloads.
package vcard

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	govcard "github.com/emersion/go-vcard"

	"github.com/vmfds/kool-dav/internal/store"
)

// FromPerson renders one persons row as a single vCard 3.0 document. The
// mapping is total: missing contact fields yield empty properties, never an
// invalid card. Output is deterministic for an unchanged row.
func FromPerson(p *store.Person) ([]byte, error) {
	card := make(govcard.Card)
	card.SetValue(govcard.FieldVersion, "3.0")
	card.SetValue(govcard.FieldUID, strconv.FormatInt(p.ID, 10))

	fn := strings.TrimSpace(p.FirstName + " " + p.LastName)
	if fn == "" {
		fn = p.Email
	}
	card.SetValue(govcard.FieldFormattedName, fn)
	card.AddName(&govcard.Name{
		FamilyName: p.LastName,
		GivenName:  p.FirstName,
	})

	card.AddValue(govcard.FieldEmail, p.Email)

	tel := &govcard.Field{
		Value:  p.Phone,
		Params: govcard.Params{govcard.ParamType: {govcard.TypeCell}},
	}
	card.Add(govcard.FieldTelephone, tel)

	card.AddAddress(&govcard.Address{
		StreetAddress: p.Street,
		Locality:      p.City,
		PostalCode:    p.Zip,
	})

	card.SetValue(govcard.FieldRevision, p.LastModified().UTC().Format("20060102T150405Z"))

	var buf bytes.Buffer
	if err := govcard.NewEncoder(&buf).Encode(card); err != nil {
		return nil, fmt.Errorf("encode vcard for person %d: %w", p.ID, err)
	}
	return buf.Bytes(), nil
}

func Validate(raw []byte) error {
	if len(raw) == 0 {
		return errors.New("empty vCard data")
	}

	content := string(raw)
	if !strings.Contains(content, "BEGIN:VCARD") {
		return errors.New("vCard data missing BEGIN:VCARD")
	}
	if !strings.Contains(content, "END:VCARD") {
		return errors.New("vCard data missing END:VCARD")
	}

	cards, err := ParseAll(raw)
	if err != nil {
		return fmt.Errorf("vCard parsing failed: %w", err)
	}
	if len(cards) == 0 {
		return errors.New("no valid vCard found after parsing")
	}

	for i, c := range cards {
		ver := c.Value(govcard.FieldVersion)
		if ver == "" {
			return fmt.Errorf("vCard %d missing VERSION", i)
		}
		fn := c.Value(govcard.FieldFormattedName)
		if fn == "" {
			return fmt.Errorf("vCard %d missing FN", i)
		}
	}
	return nil
}

func ParseAll(b []byte) ([]govcard.Card, error) {
	// Normalize line endings to CRLF as required by RFC 6350
	content := strings.ReplaceAll(string(b), "\n", "\r\n")
	content = strings.ReplaceAll(content, "\r\r\n", "\r\n")

	dec := govcard.NewDecoder(strings.NewReader(content))
	var out []govcard.Card
	for {
		c, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode vCard: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}
