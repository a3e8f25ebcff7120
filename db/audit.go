package db

import (
	"context"

	"github.com/pkg/errors"
)

// Audit appends an audit-log row. Failures are returned, not fatal; callers
// log and continue.
func (s *Store) Audit(ctx context.Context, actor, action, tenantID, metaJSON, ip, ua string) error {
	var tenant any
	if tenantID != "" {
		tenant = tenantID
	}
	if metaJSON == "" {
		metaJSON = "{}"
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (actor, action, tenant_id, meta_json, ip, ua) VALUES ($1,$2,$3,$4,$5,$6)`,
		actor, action, tenant, metaJSON, ip, ua)
	return errors.Wrap(err, "insert audit row")
}
