package db

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"funnelmetrics/internal/billing"
	"funnelmetrics/internal/types"
)

// Advisory lock namespaces for per-user quota serialization.
const (
	lockProjectQuota int32 = 1001
	lockFunnelQuota  int32 = 1002
)

// ProjectRepository provides data access for projects and funnels. It also
// supplies the resource counts used by quota checks.
type ProjectRepository struct {
	db TxBeginner
}

// NewProjectRepository creates a new ProjectRepository.
func NewProjectRepository(db TxBeginner) *ProjectRepository {
	return &ProjectRepository{db: db}
}

// CountProjects returns how many projects the user owns.
func (r *ProjectRepository) CountProjects(ctx context.Context, userID string) (int, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM projects WHERE user_id = $1`, userID, "projects")
}

// CountFunnels returns how many funnels the user owns across all projects.
func (r *ProjectRepository) CountFunnels(ctx context.Context, userID string) (int, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM funnels WHERE user_id = $1`, userID, "funnels")
}

func (r *ProjectRepository) count(ctx context.Context, query, userID, what string) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, query, userID).Scan(&n); err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count "+what, err)
	}
	return n, nil
}

// CreateProject inserts a project unless the user already owns limit
// projects, in which case it returns limit_projects_exceeded.
func (r *ProjectRepository) CreateProject(ctx context.Context, p *types.Project, limit billing.Limit) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return r.insertWithinQuota(ctx, p.UserID, billing.ResourceProjects, limit, func(q DBTX) error {
		err := q.QueryRow(ctx,
			`INSERT INTO projects (id, user_id, name) VALUES ($1, $2, $3) RETURNING created_at`,
			p.ID, p.UserID, p.Name,
		).Scan(&p.CreatedAt)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to create project", err)
		}
		return nil
	})
}

// insertWithinQuota runs insert after re-counting the user's resources.
// Inserts for the same user and resource hold a transaction-scoped advisory
// lock, so two requests that both passed the guard cannot both take the
// last slot. Unbounded limits skip the lock and the count.
func (r *ProjectRepository) insertWithinQuota(ctx context.Context, userID string, resource billing.ResourceType, limit billing.Limit, insert func(q DBTX) error) error {
	if limit.IsUnbounded() {
		return insert(r.db)
	}

	lockKey, countQuery := lockProjectQuota, `SELECT COUNT(*) FROM projects WHERE user_id = $1`
	if resource == billing.ResourceFunnels {
		lockKey, countQuery = lockFunnelQuota, `SELECT COUNT(*) FROM funnels WHERE user_id = $1`
	}

	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1, hashtext($2))`, lockKey, userID); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to lock "+string(resource)+" quota", err)
		}
		var n int
		if err := tx.QueryRow(ctx, countQuery, userID).Scan(&n); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to count "+string(resource), err)
		}
		if !limit.Admits(n) {
			return billing.QuotaExceeded(resource, limit, n)
		}
		return insert(tx)
	})
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			return err
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create "+string(resource), err)
	}
	return nil
}

// GetProject returns a project owned by userID, or not_found_project.
func (r *ProjectRepository) GetProject(ctx context.Context, id, userID string) (*types.Project, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, projectNotFound()
	}
	var p types.Project
	err := r.db.QueryRow(ctx,
		`SELECT id, user_id, name, created_at FROM projects WHERE id = $1 AND user_id = $2`,
		id, userID,
	).Scan(&p.ID, &p.UserID, &p.Name, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, projectNotFound()
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve project", err)
	}
	return &p, nil
}

func projectNotFound() error {
	return types.NewAppError(types.ErrCodeNotFoundProject, "project not found", nil)
}

// CreateFunnel inserts a funnel unless the user already owns limit funnels,
// in which case it returns limit_funnels_exceeded.
func (r *ProjectRepository) CreateFunnel(ctx context.Context, f *types.Funnel, limit billing.Limit) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	return r.insertWithinQuota(ctx, f.UserID, billing.ResourceFunnels, limit, func(q DBTX) error {
		err := q.QueryRow(ctx,
			`INSERT INTO funnels (id, project_id, user_id, name) VALUES ($1, $2, $3, $4) RETURNING created_at`,
			f.ID, f.ProjectID, f.UserID, f.Name,
		).Scan(&f.CreatedAt)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to create funnel", err)
		}
		return nil
	})
}

// ListFunnels returns the funnels of a project owned by userID, oldest first.
func (r *ProjectRepository) ListFunnels(ctx context.Context, projectID, userID string) ([]types.Funnel, error) {
	if _, err := uuid.Parse(projectID); err != nil {
		return nil, projectNotFound()
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, name, created_at FROM funnels
		 WHERE project_id = $1 AND user_id = $2
		 ORDER BY created_at`,
		projectID, userID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list funnels", err)
	}
	defer rows.Close()

	var out []types.Funnel
	for rows.Next() {
		f := types.Funnel{ProjectID: projectID, UserID: userID}
		if err := rows.Scan(&f.ID, &f.Name, &f.CreatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan funnel", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate funnels", err)
	}
	return out, nil
}
