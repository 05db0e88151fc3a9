package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mailfollowup/internal/model"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const ruleColumns = `
    id, user_id, organization_id, name, description,
    trigger_conditions, automation_settings, ai_preferences, approval_workflow,
    is_active, created_at, updated_at`

type RuleRepository struct {
	db     DB
	logger *zap.Logger
}

func NewRuleRepository(db DB, logger *zap.Logger) *RuleRepository {
	return &RuleRepository{db: db, logger: logger}
}

func (r *RuleRepository) Insert(ctx context.Context, rule *model.AutomationRule) error {
	query := `
        INSERT INTO automation_rules (` + ruleColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
    `
	_, err := r.db.Exec(ctx, query,
		rule.ID, rule.UserID, rule.OrganizationID, rule.Name, rule.Description,
		rule.TriggerConditions, rule.AutomationSettings, rule.AIPreferences, rule.ApprovalWorkflow,
		rule.IsActive, rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

func (r *RuleRepository) GetByID(ctx context.Context, id string) (*model.AutomationRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM automation_rules WHERE id = $1`
	rule, err := scanRule(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

func (r *RuleRepository) List(ctx context.Context, filter RuleFilter) ([]model.AutomationRule, error) {
	var (
		conds []string
		args  []any
	)
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		conds = append(conds, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.OrganizationID != "" {
		args = append(args, filter.OrganizationID)
		conds = append(conds, fmt.Sprintf("organization_id = $%d", len(args)))
	}
	if filter.ActiveOnly {
		conds = append(conds, "is_active")
	}

	query := `SELECT ` + ruleColumns + ` FROM automation_rules`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.AutomationRule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rule)
	}
	return out, rows.Err()
}

func (r *RuleRepository) SetActive(ctx context.Context, id string, active bool) (bool, error) {
	query := `UPDATE automation_rules SET is_active = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, id, active)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func scanRule(row pgx.Row) (*model.AutomationRule, error) {
	var rule model.AutomationRule
	err := row.Scan(
		&rule.ID, &rule.UserID, &rule.OrganizationID, &rule.Name, &rule.Description,
		&rule.TriggerConditions, &rule.AutomationSettings, &rule.AIPreferences, &rule.ApprovalWorkflow,
		&rule.IsActive, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rule, nil
}
