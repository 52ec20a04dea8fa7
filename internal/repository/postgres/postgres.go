// Package postgres implements the repository interfaces on PostgreSQL via pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/siteforge/siteforge/internal/domain"
	"github.com/siteforge/siteforge/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository       = (*Repository)(nil)
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.BuildErrorRepository = (*Repository)(nil)
	_ repository.BuildLogRepository   = (*Repository)(nil)
	_ repository.WebhookRepository    = (*Repository)(nil)
)

const projectColumns = `id, owner_id, name, content_source, import_source, repository, deployment_target, container,
	build_status, build_message, build_started_at, deployment_data, environments, split_tests,
	deploy_count, failure_count, build_duration_ms, last_deploy_at,
	publishing_version, published_version, webhooks_restricted, created_at, updated_at`

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, email, created_at FROM users WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// CreateProject inserts a project with an empty ledger.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	deploymentData, environments, splitTests, err := encodeLedger(project)
	if err != nil {
		return err
	}
	const query = `INSERT INTO projects (id, owner_id, name, content_source, import_source, repository, deployment_target, container,
			build_status, build_message, deployment_data, environments, split_tests, webhooks_restricted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)`
	_, err = r.pool.Exec(ctx, query,
		project.ID, project.OwnerID, project.Name,
		project.ContentSource, project.ImportSource, project.Repository, project.DeploymentTarget, project.Container,
		project.BuildStatus, project.BuildMessage,
		deploymentData, environments, splitTests,
		project.WebhooksRestricted, project.CreatedAt)
	return err
}

// GetProjectByID loads a full project aggregate.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`
	return scanProject(r.pool.QueryRow(ctx, query, projectID))
}

// ListProjectsByOwner returns projects owned by a user.
func (r *Repository) ListProjectsByOwner(ctx context.Context, ownerID string) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE owner_id = $1 ORDER BY created_at DESC`
	return r.listProjects(ctx, query, ownerID)
}

// ListPollableProjects returns webhook-restricted projects that still accept
// events. Projects in terminal build failure are never polled.
func (r *Repository) ListPollableProjects(ctx context.Context) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects
		WHERE webhooks_restricted = TRUE AND build_status NOT IN ($1, $2)
		ORDER BY updated_at ASC`
	return r.listProjects(ctx, query, domain.StatusDraft, domain.StatusBuildFailed)
}

func (r *Repository) listProjects(ctx context.Context, query string, args ...any) ([]domain.Project, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// UpdateBuildStatus applies a guarded status transition in one statement. The
// WHERE guard makes concurrent writers converge instead of clobbering each
// other; a guard miss is reported as ErrConflict.
func (r *Repository) UpdateBuildStatus(ctx context.Context, projectID string, update domain.StatusUpdate) (*domain.Project, error) {
	guards := make([]string, 0, len(update.From))
	for _, s := range update.From {
		guards = append(guards, string(s))
	}
	query := `UPDATE projects
		SET build_status = $2,
			build_message = $3,
			build_started_at = COALESCE($4, build_started_at),
			updated_at = now()
		WHERE id = $1 AND (cardinality($5::text[]) = 0 OR build_status = ANY($5::text[]))
		RETURNING ` + projectColumns
	project, err := scanProject(r.pool.QueryRow(ctx, query, projectID, update.To, update.Message, update.StartedAt, guards))
	if err == nil {
		return project, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	// Distinguish a missing project from a guard miss.
	if _, getErr := r.GetProjectByID(ctx, projectID); getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("%w: status is not one of %v", repository.ErrConflict, update.From)
}

// UpdateDeployment merges a partial provider document update under a row lock
// so concurrent writers for different providers never lose fields.
func (r *Repository) UpdateDeployment(ctx context.Context, projectID string, update domain.DeploymentUpdate) (*domain.Project, error) {
	if update.Provider == "" {
		return nil, fmt.Errorf("%w: provider required", repository.ErrInvalidArgument)
	}
	var updated *domain.Project
	err := r.withProjectLock(ctx, projectID, func(tx pgx.Tx, p *domain.Project) error {
		if update.Environment != "" {
			if p.Environments == nil {
				p.Environments = make(map[string]domain.DeploymentData)
			}
			overlay := p.Environments[update.Environment]
			if overlay == nil {
				overlay = make(domain.DeploymentData)
				p.Environments[update.Environment] = overlay
			}
			doc := overlay[update.Provider]
			if doc == nil {
				doc = &domain.ProviderDeployment{}
				overlay[update.Provider] = doc
			}
			update.ApplyTo(doc)
		} else {
			if p.DeploymentData == nil {
				p.DeploymentData = make(domain.DeploymentData)
			}
			doc := p.DeploymentData[update.Provider]
			if doc == nil {
				doc = &domain.ProviderDeployment{}
				p.DeploymentData[update.Provider] = doc
			}
			update.ApplyTo(doc)
		}
		if err := r.persistLedger(ctx, tx, p); err != nil {
			return err
		}
		updated = p
		return nil
	})
	return updated, err
}

// PutEnvironment stores or replaces a named environment overlay.
func (r *Repository) PutEnvironment(ctx context.Context, projectID, name string, data domain.DeploymentData) error {
	if name == "" {
		return fmt.Errorf("%w: environment name required", repository.ErrInvalidArgument)
	}
	return r.withProjectLock(ctx, projectID, func(tx pgx.Tx, p *domain.Project) error {
		if p.Environments == nil {
			p.Environments = make(map[string]domain.DeploymentData)
		}
		p.Environments[name] = data.Clone()
		return r.persistLedger(ctx, tx, p)
	})
}

// RemoveEnvironment deletes an environment overlay; removing an absent name
// is a no-op.
func (r *Repository) RemoveEnvironment(ctx context.Context, projectID, name string) error {
	return r.withProjectLock(ctx, projectID, func(tx pgx.Tx, p *domain.Project) error {
		if _, ok := p.Environments[name]; !ok {
			return nil
		}
		delete(p.Environments, name)
		return r.persistLedger(ctx, tx, p)
	})
}

// SaveSplitTest replaces the active campaign; nil clears the list.
func (r *Repository) SaveSplitTest(ctx context.Context, projectID string, test *domain.SplitTest) error {
	return r.withProjectLock(ctx, projectID, func(tx pgx.Tx, p *domain.Project) error {
		if test == nil {
			p.SplitTests = nil
		} else {
			copied := *test
			copied.UpdatedAt = time.Now().UTC()
			p.SplitTests = []domain.SplitTest{copied}
		}
		return r.persistLedger(ctx, tx, p)
	})
}

// SetPublishingVersions updates content publishing bookkeeping.
func (r *Repository) SetPublishingVersions(ctx context.Context, projectID string, publishing *int64, published *int64) error {
	const query = `UPDATE projects
		SET publishing_version = $2,
			published_version = COALESCE($3, published_version),
			updated_at = now()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, projectID, publishing, published)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// AddMetrics increments counters atomically.
func (r *Repository) AddMetrics(ctx context.Context, projectID string, delta domain.MetricsDelta) error {
	const query = `UPDATE projects
		SET deploy_count = deploy_count + $2,
			failure_count = failure_count + $3,
			build_duration_ms = build_duration_ms + $4,
			last_deploy_at = COALESCE($5, last_deploy_at),
			updated_at = now()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, projectID, delta.Deploys, delta.Failures, delta.BuildDurationMS, delta.DeployedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// withProjectLock runs fn against a row-locked project inside a transaction.
func (r *Repository) withProjectLock(ctx context.Context, projectID string, fn func(pgx.Tx, *domain.Project) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1 FOR UPDATE`
	project, err := scanProject(tx.QueryRow(ctx, query, projectID))
	if err != nil {
		return err
	}
	if err := fn(tx, project); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// persistLedger writes the jsonb ledger documents back.
func (r *Repository) persistLedger(ctx context.Context, tx pgx.Tx, p *domain.Project) error {
	deploymentData, environments, splitTests, err := encodeLedger(p)
	if err != nil {
		return err
	}
	const query = `UPDATE projects
		SET deployment_data = $2, environments = $3, split_tests = $4, updated_at = now()
		WHERE id = $1`
	_, err = tx.Exec(ctx, query, p.ID, deploymentData, environments, splitTests)
	return err
}

func encodeLedger(p *domain.Project) (deploymentData, environments, splitTests []byte, err error) {
	if deploymentData, err = json.Marshal(orEmptyData(p.DeploymentData)); err != nil {
		return nil, nil, nil, err
	}
	envs := p.Environments
	if envs == nil {
		envs = map[string]domain.DeploymentData{}
	}
	if environments, err = json.Marshal(envs); err != nil {
		return nil, nil, nil, err
	}
	tests := p.SplitTests
	if tests == nil {
		tests = []domain.SplitTest{}
	}
	if splitTests, err = json.Marshal(tests); err != nil {
		return nil, nil, nil, err
	}
	return deploymentData, environments, splitTests, nil
}

func orEmptyData(d domain.DeploymentData) domain.DeploymentData {
	if d == nil {
		return domain.DeploymentData{}
	}
	return d
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*domain.Project, error) {
	var (
		p                 domain.Project
		deploymentData    []byte
		environments      []byte
		splitTests        []byte
		buildStartedAt    *time.Time
		lastDeployAt      *time.Time
		publishingVersion *int64
	)
	err := row.Scan(
		&p.ID, &p.OwnerID, &p.Name,
		&p.ContentSource, &p.ImportSource, &p.Repository, &p.DeploymentTarget, &p.Container,
		&p.BuildStatus, &p.BuildMessage, &buildStartedAt,
		&deploymentData, &environments, &splitTests,
		&p.Metrics.DeployCount, &p.Metrics.FailureCount, &p.Metrics.BuildDurationMS, &lastDeployAt,
		&publishingVersion, &p.PublishedVersion, &p.WebhooksRestricted,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	p.BuildStartedAt = buildStartedAt
	p.Metrics.LastDeployAt = lastDeployAt
	p.PublishingVersion = publishingVersion
	if len(deploymentData) > 0 {
		if err := json.Unmarshal(deploymentData, &p.DeploymentData); err != nil {
			return nil, fmt.Errorf("decode deployment data: %w", err)
		}
	}
	if len(environments) > 0 {
		if err := json.Unmarshal(environments, &p.Environments); err != nil {
			return nil, fmt.Errorf("decode environments: %w", err)
		}
	}
	if len(splitTests) > 0 {
		if err := json.Unmarshal(splitTests, &p.SplitTests); err != nil {
			return nil, fmt.Errorf("decode split tests: %w", err)
		}
	}
	return &p, nil
}
