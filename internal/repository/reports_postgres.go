package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/iago/reporting-back/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const uniqueViolation = "23505"

const reportColumns = `id, token, kind, params, requester_type, requester_id, status, error_message,
	service_name, remote_ip, attempts, file_key, file_name, file_content_type, file_size, file_checksum,
	started_at, finished_at, created_at, updated_at`

type PostgresReportsRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresReportsRepository(
	ctx context.Context,
	databaseURL string,
	maxConns int32,
) (*PostgresReportsRepository, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse pg config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return &PostgresReportsRepository{pool: pool}, nil
}

func (r *PostgresReportsRepository) Close() {
	r.pool.Close()
}

func (r *PostgresReportsRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Migrate applies the embedded schema files in lexical order. Files are idempotent.
func (r *PostgresReportsRepository) Migrate(ctx context.Context) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		raw, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := r.pool.Exec(ctx, string(raw)); err != nil {
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
	}
	return nil
}

func (r *PostgresReportsRepository) Create(ctx context.Context, req *domain.ReportRequest) error {
	params, err := json.Marshal(domain.CloneParams(req.Params))
	if err != nil {
		return fmt.Errorf("%w: encode params: %v", domain.ErrInvalidParams, err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO report_requests (
			id,
			token,
			kind,
			params,
			requester_type,
			requester_id,
			status,
			service_name,
			remote_ip,
			attempts,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4::jsonb,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		req.ID,
		req.Token,
		req.Kind,
		string(params),
		req.Requester.Type,
		req.Requester.ID,
		int16(req.Status),
		req.ServiceName,
		req.RemoteIP,
		req.Attempts,
		req.CreatedAt,
		req.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && strings.Contains(pgErr.ConstraintName, "token") {
			return domain.ErrDuplicateToken
		}
		return fmt.Errorf("insert report request: %w", err)
	}
	return nil
}

func (r *PostgresReportsRepository) Get(ctx context.Context, id string) (*domain.ReportRequest, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+reportColumns+` FROM report_requests WHERE id = $1`, id)
	return scanReport(row)
}

func (r *PostgresReportsRepository) GetByToken(ctx context.Context, token string) (*domain.ReportRequest, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+reportColumns+` FROM report_requests WHERE token = $1`, token)
	return scanReport(row)
}

func (r *PostgresReportsRepository) Claim(
	ctx context.Context,
	id string,
	startedAt time.Time,
	serviceName string,
) (bool, error) {
	command, err := r.pool.Exec(ctx, `
		UPDATE report_requests
		SET status = $2,
			started_at = $3,
			finished_at = NULL,
			error_message = NULL,
			service_name = $4,
			attempts = attempts + 1,
			updated_at = $3
		WHERE id = $1 AND status IN ($5, $6)
	`,
		id,
		int16(domain.ReportStatusProcessing),
		startedAt,
		serviceName,
		int16(domain.ReportStatusQueued),
		int16(domain.ReportStatusFailed),
	)
	if err != nil {
		return false, fmt.Errorf("claim report request: %w", err)
	}
	if command.RowsAffected() == 1 {
		return true, nil
	}
	if err := r.ensureExists(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *PostgresReportsRepository) Complete(
	ctx context.Context,
	id string,
	file domain.Artifact,
	finishedAt time.Time,
) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE report_requests
		SET status = $2,
			file_key = $3,
			file_name = $4,
			file_content_type = $5,
			file_size = $6,
			file_checksum = $7,
			finished_at = $8,
			updated_at = $8
		WHERE id = $1 AND status = $9
	`,
		id,
		int16(domain.ReportStatusDone),
		file.Key,
		file.Filename,
		file.ContentType,
		file.Size,
		file.Checksum,
		finishedAt,
		int16(domain.ReportStatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("complete report request: %w", err)
	}
	if command.RowsAffected() == 0 {
		if err := r.ensureExists(ctx, id); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}

func (r *PostgresReportsRepository) Fail(
	ctx context.Context,
	id string,
	message string,
	finishedAt time.Time,
) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE report_requests
		SET status = $2,
			error_message = $3,
			file_key = NULL,
			file_name = NULL,
			file_content_type = NULL,
			file_size = NULL,
			file_checksum = NULL,
			finished_at = $4,
			updated_at = $4
		WHERE id = $1 AND status = $5
	`,
		id,
		int16(domain.ReportStatusFailed),
		domain.TruncateErrorMessage(message),
		finishedAt,
		int16(domain.ReportStatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("fail report request: %w", err)
	}
	if command.RowsAffected() == 0 {
		if err := r.ensureExists(ctx, id); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}

func (r *PostgresReportsRepository) List(
	ctx context.Context,
	filter domain.ReportListFilter,
) ([]*domain.ReportRequest, int, error) {
	filter = normalizeFilter(filter)
	baseQuery, args := buildReportFilters(filter)

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) "+baseQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count report requests: %w", err)
	}

	listQuery := fmt.Sprintf(
		`SELECT %s
		%s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`,
		reportColumns,
		baseQuery,
		len(args)+1,
		len(args)+2,
	)
	listArgs := append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)
	rows, err := r.pool.Query(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list report requests: %w", err)
	}
	defer rows.Close()

	items := make([]*domain.ReportRequest, 0)
	for rows.Next() {
		req, err := scanReport(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, req)
	}
	if rows.Err() != nil {
		return nil, 0, fmt.Errorf("iterate report requests: %w", rows.Err())
	}
	return items, total, nil
}

func (r *PostgresReportsRepository) ensureExists(ctx context.Context, id string) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM report_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check report request: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func buildReportFilters(filter domain.ReportListFilter) (string, []any) {
	query := strings.Builder{}
	query.WriteString("FROM report_requests WHERE 1=1")

	args := make([]any, 0, 6)
	next := func(clause string, value any) {
		args = append(args, value)
		query.WriteString(fmt.Sprintf(clause, len(args)))
	}

	if filter.Requester != nil {
		next(" AND requester_type = $%d", filter.Requester.Type)
		next(" AND requester_id = $%d", filter.Requester.ID)
	}
	if filter.Status != nil {
		next(" AND status = $%d", int16(*filter.Status))
	}
	if kind := strings.TrimSpace(filter.Kind); kind != "" {
		next(" AND kind = $%d", kind)
	}
	if filter.From != nil {
		next(" AND created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		next(" AND created_at <= $%d", *filter.To)
	}
	if filter.StartedBefore != nil {
		next(" AND started_at < $%d", *filter.StartedBefore)
	}
	return query.String(), args
}

func scanReport(row pgx.Row) (*domain.ReportRequest, error) {
	var (
		req             domain.ReportRequest
		params          []byte
		status          int16
		errorMessage    *string
		fileKey         *string
		fileName        *string
		fileContentType *string
		fileSize        *int64
		fileChecksum    *string
	)

	err := row.Scan(
		&req.ID,
		&req.Token,
		&req.Kind,
		&params,
		&req.Requester.Type,
		&req.Requester.ID,
		&status,
		&errorMessage,
		&req.ServiceName,
		&req.RemoteIP,
		&req.Attempts,
		&fileKey,
		&fileName,
		&fileContentType,
		&fileSize,
		&fileChecksum,
		&req.StartedAt,
		&req.FinishedAt,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan report request: %w", err)
	}

	req.Status = domain.ReportStatus(status)
	req.Params = map[string]any{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req.Params); err != nil {
			return nil, fmt.Errorf("decode report params: %w", err)
		}
	}
	if errorMessage != nil {
		req.ErrorMessage = *errorMessage
	}
	if fileKey != nil {
		req.File = &domain.Artifact{Key: *fileKey}
		if fileName != nil {
			req.File.Filename = *fileName
		}
		if fileContentType != nil {
			req.File.ContentType = *fileContentType
		}
		if fileSize != nil {
			req.File.Size = *fileSize
		}
		if fileChecksum != nil {
			req.File.Checksum = *fileChecksum
		}
	}
	return &req, nil
}
