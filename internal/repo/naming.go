package repo

import (
	"context"
	"database/sql"

	"shotline/internal/domain"
)

// UpsertNamingRule installs or replaces the per-project template override
// for one (task type, file kind) pair.
func (r Repo) UpsertNamingRule(ctx context.Context, rule domain.NamingRule) (domain.NamingRule, error) {
	_, err := r.q.ExecContext(ctx, `INSERT INTO naming_rules(project_id, task_type_id, kind, template, updated_at)
VALUES (?,?,?,?,?)
ON CONFLICT(project_id, task_type_id, kind) DO UPDATE SET template=excluded.template, updated_at=excluded.updated_at`,
		rule.ProjectID, rule.TaskTypeID, rule.Kind, rule.Template, rule.UpdatedAt)
	if err != nil {
		return domain.NamingRule{}, err
	}
	return r.GetNamingRule(ctx, rule.ProjectID, rule.TaskTypeID, rule.Kind)
}

func (r Repo) GetNamingRule(ctx context.Context, projectID, taskTypeID string, kind domain.FileKind) (domain.NamingRule, error) {
	var rule domain.NamingRule
	err := r.q.QueryRowContext(ctx, `SELECT project_id, task_type_id, kind, template, updated_at FROM naming_rules WHERE project_id=? AND task_type_id=? AND kind=?`,
		projectID, taskTypeID, kind).Scan(&rule.ProjectID, &rule.TaskTypeID, &rule.Kind, &rule.Template, &rule.UpdatedAt)
	if err == sql.ErrNoRows {
		return rule, ErrNotFound
	}
	return rule, err
}

func (r Repo) ListNamingRules(ctx context.Context, projectID string) ([]domain.NamingRule, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT project_id, task_type_id, kind, template, updated_at FROM naming_rules WHERE project_id=? ORDER BY task_type_id, kind`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.NamingRule
	for rows.Next() {
		var rule domain.NamingRule
		if err := rows.Scan(&rule.ProjectID, &rule.TaskTypeID, &rule.Kind, &rule.Template, &rule.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

func (r Repo) DeleteNamingRule(ctx context.Context, projectID, taskTypeID string, kind domain.FileKind) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM naming_rules WHERE project_id=? AND task_type_id=? AND kind=?`, projectID, taskTypeID, kind)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
