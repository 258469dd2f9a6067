package csvparser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"mailqueue/internal/models"
)

const DefaultMaxRows = 10000

// ParseContacts reads contacts from a CSV with a header row. The "email"
// column is required; "first_name", "last_name" and "active" are optional
// (header match is case-insensitive and ignores spaces, dashes and
// underscores). Rows with the wrong field count or an empty email are
// skipped. Contacts default to active.
//
// maxRows limits how many data rows are parsed (excluding header).
func ParseContacts(r io.Reader, maxRows int) ([]models.Contact, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err == io.EOF {
		return nil, errors.New("csv is empty")
	}
	if err != nil {
		return nil, err
	}

	cols := map[string]int{}
	for i, h := range headers {
		key := normalizeHeader(h)
		if _, dup := cols[key]; !dup {
			cols[key] = i
		}
	}
	emailIdx, ok := cols["email"]
	if !ok {
		return nil, errors.New("csv must contain an Email column")
	}
	first, hasFirst := lookup(cols, "firstname", "first")
	last, hasLast := lookup(cols, "lastname", "last")
	activeIdx, hasActive := cols["active"]

	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	contacts := make([]models.Contact, 0)
	line := 1
	for len(contacts) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, err
		}
		if len(record) != len(headers) {
			// skip malformed row
			continue
		}

		email := strings.TrimSpace(record[emailIdx])
		if email == "" {
			continue
		}

		c := models.Contact{Email: email, Active: true}
		if hasFirst {
			c.FirstName = strings.TrimSpace(record[first])
		}
		if hasLast {
			c.LastName = strings.TrimSpace(record[last])
		}
		if hasActive {
			active, err := parseActive(record[activeIdx])
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			c.Active = active
		}
		contacts = append(contacts, c)
	}

	if len(contacts) == 0 {
		return nil, errors.New("csv must contain at least one data row")
	}
	return contacts, nil
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.NewReplacer(" ", "", "_", "", "-", "").Replace(h)
}

func lookup(cols map[string]int, names ...string) (int, bool) {
	for _, n := range names {
		if i, ok := cols[n]; ok {
			return i, true
		}
	}
	return 0, false
}

func parseActive(v string) (bool, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	switch v {
	case "":
		return true, nil
	case "yes", "y":
		return true, nil
	case "no", "n":
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid active value %q", v)
	}
	return b, nil
}
