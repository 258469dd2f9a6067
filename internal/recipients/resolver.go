// Package recipients turns distribution list ids into a deduplicated set of
// deliverable contacts.
package recipients

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"mailqueue/internal/models"
)

// ContactSource is the read side of the contact store.
type ContactSource interface {
	ContactsForLists(ctx context.Context, listIDs []string) ([]models.Contact, error)
}

// emailPattern is a liveness check, not RFC 5322 validation.
var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

func ValidEmail(email string) bool {
	return emailPattern.MatchString(strings.TrimSpace(email))
}

type Resolver struct {
	src ContactSource
	log *zap.Logger
}

func NewResolver(src ContactSource, log *zap.Logger) *Resolver {
	return &Resolver{src: src, log: log.Named("recipients")}
}

// Resolve returns every active, validly addressed contact of the active lists
// in listIDs, once per email address. An empty result is not an error.
func (r *Resolver) Resolve(ctx context.Context, listIDs []string) ([]models.Contact, error) {
	if len(listIDs) == 0 {
		return nil, nil
	}

	contacts, err := r.src.ContactsForLists(ctx, listIDs)
	if err != nil {
		return nil, &models.ResolutionError{ListIDs: listIDs, Err: err}
	}

	// Filter before deduping so a rejected duplicate cannot replace a
	// deliverable one.
	valid := r.Validate(contacts)
	unique := Dedupe(valid)

	r.log.Debug("recipients resolved",
		zap.Strings("list_ids", listIDs),
		zap.Int("memberships", len(contacts)),
		zap.Int("valid", len(valid)),
		zap.Int("unique", len(unique)),
	)
	return unique, nil
}

// Validate drops inactive contacts and contacts whose address fails the
// format check, logging each rejection.
func (r *Resolver) Validate(contacts []models.Contact) []models.Contact {
	valid := make([]models.Contact, 0, len(contacts))
	for _, c := range contacts {
		switch {
		case !c.Active:
			r.log.Debug("skipping inactive contact", zap.Int64("contact_id", c.ID))
		case strings.TrimSpace(c.Email) == "":
			r.log.Warn("skipping contact without email", zap.Int64("contact_id", c.ID))
		case !ValidEmail(c.Email):
			r.log.Warn("skipping contact with invalid email",
				zap.Int64("contact_id", c.ID),
				zap.String("email", c.Email),
			)
		default:
			c.Email = strings.TrimSpace(c.Email)
			valid = append(valid, c)
		}
	}
	return valid
}

// Dedupe keeps one contact per case-insensitive email address. The last
// occurrence wins; output follows first-seen order.
func Dedupe(contacts []models.Contact) []models.Contact {
	index := make(map[string]int, len(contacts))
	out := make([]models.Contact, 0, len(contacts))
	for _, c := range contacts {
		key := strings.ToLower(strings.TrimSpace(c.Email))
		if i, ok := index[key]; ok {
			out[i] = c
			continue
		}
		index[key] = len(out)
		out = append(out, c)
	}
	return out
}
