package db

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"mailqueue/internal/models"
)

func (s *Postgres) ContactsForLists(ctx context.Context, listIDs []string) ([]models.Contact, error) {
	if len(listIDs) == 0 {
		return nil, nil
	}

	rows, err := s.Pool.Query(ctx, `
		SELECT c.id, c.first_name, c.last_name, COALESCE(c.email, ''), c.active
		FROM distribution_lists l
		JOIN distribution_list_contacts m ON m.list_id = l.id
		JOIN contacts c ON c.id = m.contact_id
		WHERE l.id = ANY($1) AND l.active AND c.active
		ORDER BY l.id, c.id`,
		listIDs,
	)
	if err != nil {
		return nil, storeErr("contacts for lists", err)
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		var c models.Contact
		if err := rows.Scan(&c.ID, &c.FirstName, &c.LastName, &c.Email, &c.Active); err != nil {
			return nil, storeErr("scan contact", err)
		}
		contacts = append(contacts, c)
	}
	return contacts, storeErr("iterate contacts", rows.Err())
}

func (s *Postgres) CreateList(ctx context.Context, list *models.DistributionList) error {
	if list.ID == "" {
		list.ID = uuid.NewString()
	}
	list.CreatedAt = utc(list.CreatedAt)

	_, err := s.Pool.Exec(ctx, `
		INSERT INTO distribution_lists (id, name, active, created_at)
		VALUES ($1, $2, $3, $4)`,
		list.ID, list.Name, list.Active, list.CreatedAt,
	)
	return storeErr("create list", err)
}

func (s *Postgres) GetList(ctx context.Context, id string) (*models.DistributionList, error) {
	var list models.DistributionList
	err := s.Pool.QueryRow(ctx, `
		SELECT id, name, active, created_at FROM distribution_lists WHERE id = $1`, id,
	).Scan(&list.ID, &list.Name, &list.Active, &list.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, models.ErrListNotFound
		}
		return nil, storeErr("get list", err)
	}
	return &list, nil
}

func (s *Postgres) ImportContacts(ctx context.Context, listID string, contacts []models.Contact) (int, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return 0, storeErr("begin import", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM distribution_lists WHERE id = $1)`, listID).Scan(&exists); err != nil {
		return 0, storeErr("check list", err)
	}
	if !exists {
		return 0, models.ErrListNotFound
	}

	for i := range contacts {
		c := &contacts[i]
		err := tx.QueryRow(ctx, `
			INSERT INTO contacts (first_name, last_name, email, active)
			VALUES ($1, $2, $3, $4)
			RETURNING id`,
			c.FirstName, c.LastName, nullStr(strings.TrimSpace(c.Email)), c.Active,
		).Scan(&c.ID)
		if err != nil {
			return 0, storeErr("insert contact", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO distribution_list_contacts (list_id, contact_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING`,
			listID, c.ID,
		); err != nil {
			return 0, storeErr("insert membership", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, storeErr("commit import", err)
	}
	return len(contacts), nil
}
