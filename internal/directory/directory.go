// Package directory answers organizational lookups: who a phone number
// belongs to, what it may use, and how expense categories map to ids.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/models"
)

// Service runs directory queries against the relational store.
type Service struct {
	db     *sql.DB
	driver string
}

// NewService builds a directory over db opened with driver.
func NewService(db *sql.DB, driver string) *Service {
	return &Service{db: db, driver: strings.ToLower(driver)}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, models.ErrCollaboratorUnavailable, err)
}

func (s *Service) phoneExpr() string {
	if s.driver == "mysql" {
		return "CONCAT(country_code, phone_number)"
	}
	return "(country_code || phone_number)"
}

// ResolveUser returns the active employee behind phone, or nil when unknown.
func (s *Service) ResolveUser(ctx context.Context, phone string) (*models.Employee, error) {
	phone = strings.TrimPrefix(strings.TrimSpace(phone), "+")
	if phone == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT emp_no, tenant_id FROM employees
		WHERE `+s.phoneExpr()+` = ? AND (is_disabled IS NULL OR is_disabled = 0)`,
		phone,
	)
	var emp models.Employee
	if err := row.Scan(&emp.ID, &emp.Tenant); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable("query employee", err)
	}
	return &emp, nil
}

// ServicesFor lists the services enabled for phone in menu order.
func (s *Service) ServicesFor(ctx context.Context, phone string) ([]models.Service, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT service FROM service_entitlements WHERE phone = ? ORDER BY position, id`,
		strings.TrimPrefix(phone, "+"),
	)
	if err != nil {
		return nil, unavailable("query services", err)
	}
	defer rows.Close()

	var services []models.Service
	for rows.Next() {
		var svc string
		if err := rows.Scan(&svc); err != nil {
			return nil, unavailable("scan service", err)
		}
		services = append(services, models.Service(strings.ToUpper(strings.TrimSpace(svc))))
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate services", err)
	}
	return services, nil
}

// EntitiesFor lists the entities an employee may file against.
func (s *Service) EntitiesFor(ctx context.Context, employeeID int64, tenant string) ([]models.Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, display_name FROM entities
		WHERE tenant_id = ? AND emp_no = ? ORDER BY position, id`,
		tenant, employeeID,
	)
	if err != nil {
		return nil, unavailable("query entities", err)
	}
	defer rows.Close()

	var entities []models.Entity
	for rows.Next() {
		var e models.Entity
		if err := rows.Scan(&e.ID, &e.Name); err != nil {
			return nil, unavailable("scan entity", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate entities", err)
	}
	return entities, nil
}

// LatestDraftFor returns the newest drafted claim of the employee for entity,
// or "" when there is none.
func (s *Service) LatestDraftFor(ctx context.Context, employeeID int64, tenant, entityID string) (string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT claim_no FROM claims
		WHERE tenant_id = ? AND emp_id = ? AND entity_id = ?
		  AND claim_status = 'Drafted'
		  AND (is_deleted = 0 OR is_deleted IS NULL)
		ORDER BY created_on DESC
		LIMIT 1`,
		tenant, employeeID, entityID,
	)
	var claimNo string
	if err := row.Scan(&claimNo); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", unavailable("query draft claim", err)
	}
	return claimNo, nil
}
