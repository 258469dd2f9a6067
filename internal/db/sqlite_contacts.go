package db

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"mailqueue/internal/models"
)

func (s *SQLite) ContactsForLists(ctx context.Context, listIDs []string) ([]models.Contact, error) {
	if len(listIDs) == 0 {
		return nil, nil
	}

	args := make([]any, len(listIDs))
	for i, id := range listIDs {
		args[i] = id
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT c.id, c.first_name, c.last_name, COALESCE(c.email, ''), c.active
		FROM distribution_lists l
		JOIN distribution_list_contacts m ON m.list_id = l.id
		JOIN contacts c ON c.id = m.contact_id
		WHERE l.id IN (`+placeholders(len(listIDs))+`) AND l.active = 1 AND c.active = 1
		ORDER BY l.id, c.id`,
		args...,
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

func (s *SQLite) CreateList(ctx context.Context, list *models.DistributionList) error {
	if list.ID == "" {
		list.ID = uuid.NewString()
	}
	list.CreatedAt = utc(list.CreatedAt)

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO distribution_lists (id, name, active, created_at)
		VALUES (?, ?, ?, ?)`,
		list.ID, list.Name, list.Active, toMillis(list.CreatedAt),
	)
	return storeErr("create list", err)
}

func (s *SQLite) GetList(ctx context.Context, id string) (*models.DistributionList, error) {
	var (
		list      models.DistributionList
		createdAt int64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, name, active, created_at FROM distribution_lists WHERE id = ?`, id,
	).Scan(&list.ID, &list.Name, &list.Active, &createdAt)
	if err != nil {
		if isNoRows(err) {
			return nil, models.ErrListNotFound
		}
		return nil, storeErr("get list", err)
	}
	list.CreatedAt = fromMillis(createdAt)
	return &list, nil
}

func (s *SQLite) ImportContacts(ctx context.Context, listID string, contacts []models.Contact) (int, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("begin import", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM distribution_lists WHERE id = ?)`, listID).Scan(&exists); err != nil {
		return 0, storeErr("check list", err)
	}
	if !exists {
		return 0, models.ErrListNotFound
	}

	for i := range contacts {
		c := &contacts[i]
		res, err := tx.ExecContext(ctx, `
			INSERT INTO contacts (first_name, last_name, email, active)
			VALUES (?, ?, ?, ?)`,
			c.FirstName, c.LastName, nullStr(strings.TrimSpace(c.Email)), c.Active,
		)
		if err != nil {
			return 0, storeErr("insert contact", err)
		}
		if c.ID, err = res.LastInsertId(); err != nil {
			return 0, storeErr("insert contact", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO distribution_list_contacts (list_id, contact_id)
			VALUES (?, ?)`,
			listID, c.ID,
		); err != nil {
			return 0, storeErr("insert membership", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, storeErr("commit import", err)
	}
	return len(contacts), nil
}
