package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DB is the subset of *pgxpool.Pool the repositories use.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// NewPostgresStores wires every store on top of one connection pool.
func NewPostgresStores(pool *pgxpool.Pool, logger *zap.Logger) Stores {
	return Stores{
		Followups:  NewFollowupRepository(pool, logger),
		Reminders:  NewReminderRepository(pool, logger),
		Rules:      NewRuleRepository(pool, logger),
		Executions: NewExecutionRepository(pool, logger),
		Health:     pool,
	}
}

// setBuilder collects "col = $n" fragments for dynamic UPDATE statements.
type setBuilder struct {
	sets []string
	args []any
}

func (b *setBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *setBuilder) set(col string, v any) {
	b.sets = append(b.sets, col+" = "+b.arg(v))
}

func (b *setBuilder) raw(fragment string) {
	b.sets = append(b.sets, fragment)
}

func (b *setBuilder) clause() string {
	return strings.Join(b.sets, ", ")
}

func statusStrings[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
