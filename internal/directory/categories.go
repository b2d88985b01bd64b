package directory

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/models"
)

// MappingFor returns every expense type of tenant with its sub-types.
func (s *Service) MappingFor(ctx context.Context, tenant string) (models.CategoryMapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.name, st.name
		FROM expense_types t
		LEFT JOIN expense_sub_types st
		  ON st.tenant_id = t.tenant_id AND st.expense_type_id = t.expense_type_id
		WHERE t.tenant_id = ?
		ORDER BY t.expense_type_id, st.expense_sub_type_id`,
		tenant,
	)
	if err != nil {
		return nil, unavailable("query category mapping", err)
	}
	defer rows.Close()

	mapping := make(models.CategoryMapping)
	for rows.Next() {
		var (
			typeName string
			subName  sql.NullString
		)
		if err := rows.Scan(&typeName, &subName); err != nil {
			return nil, unavailable("scan category mapping", err)
		}
		subs := mapping[typeName]
		if subName.Valid {
			subs = append(subs, subName.String)
		}
		mapping[typeName] = subs
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate category mapping", err)
	}
	return mapping, nil
}

// ResolveIDs maps category names to back-office ids. Matching ignores case.
// An empty category falls back to the tenant default; an empty sub-category
// takes the first sub-type of the category. It returns nil when a named
// category or sub-category does not exist.
func (s *Service) ResolveIDs(ctx context.Context, tenant, category, subCategory string) (*models.CategoryIDs, error) {
	category = strings.TrimSpace(category)
	subCategory = strings.TrimSpace(subCategory)
	if category == "" {
		return s.DefaultIDs(ctx, tenant)
	}

	query := `SELECT t.expense_type_id, st.expense_sub_type_id
		FROM expense_types t
		JOIN expense_sub_types st
		  ON st.tenant_id = t.tenant_id AND st.expense_type_id = t.expense_type_id
		WHERE t.tenant_id = ? AND LOWER(t.name) = LOWER(?)`
	args := []interface{}{tenant, category}
	if subCategory != "" {
		query += ` AND LOWER(st.name) = LOWER(?)`
		args = append(args, subCategory)
	}
	query += ` ORDER BY st.expense_sub_type_id LIMIT 1`

	var ids models.CategoryIDs
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&ids.TypeID, &ids.SubTypeID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable("resolve category ids", err)
	}
	return &ids, nil
}

// DefaultIDs is the lowest sub-type of tenant with its parent type.
func (s *Service) DefaultIDs(ctx context.Context, tenant string) (*models.CategoryIDs, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT expense_type_id, expense_sub_type_id FROM expense_sub_types
		WHERE tenant_id = ? ORDER BY expense_sub_type_id LIMIT 1`,
		tenant,
	)
	var ids models.CategoryIDs
	if err := row.Scan(&ids.TypeID, &ids.SubTypeID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable("resolve default category", err)
	}
	return &ids, nil
}
