package labreport

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carepoint/backoffice/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// isForeignKeyViolation reports whether err is Postgres SQLSTATE 23503.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// =========== Report Repository ===========

type reportRepoPG struct{ pool *pgxpool.Pool }

func NewReportRepoPG(pool *pgxpool.Pool) ReportRepository {
	return &reportRepoPG{pool: pool}
}

func (r *reportRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const reportCols = `id, patient_id, ordered_by, test_name, status, notes, report_date, created_at, updated_at`

const resultCols = `id, report_id, position, parameter, value, unit, reference_range`

func scanReport(row pgx.Row) (*Report, error) {
	var rp Report
	err := row.Scan(&rp.ID, &rp.PatientID, &rp.OrderedBy, &rp.TestName, &rp.Status,
		&rp.Notes, &rp.ReportDate, &rp.CreatedAt, &rp.UpdatedAt)
	return &rp, err
}

func (r *reportRepoPG) Create(ctx context.Context, rp *Report) error {
	rp.ID = uuid.New()

	tx, err := r.conn(ctx).Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO lab_reports (id, patient_id, ordered_by, test_name, status, notes, report_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		rp.ID, rp.PatientID, rp.OrderedBy, rp.TestName, rp.Status, rp.Notes, rp.ReportDate,
	).Scan(&rp.CreatedAt, &rp.UpdatedAt)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: patient %s", ErrNotFound, rp.PatientID)
	}
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}

	for i := range rp.Results {
		res := &rp.Results[i]
		res.ID = uuid.New()
		res.ReportID = rp.ID
		if _, err := tx.Exec(ctx, `
			INSERT INTO lab_results (id, report_id, position, parameter, value, unit, reference_range)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			res.ID, res.ReportID, res.Position, res.Parameter, res.Value, res.Unit, res.ReferenceRange,
		); err != nil {
			return fmt.Errorf("insert result %q: %w", res.Parameter, err)
		}
	}

	return tx.Commit(ctx)
}

func (r *reportRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Report, error) {
	rp, err := scanReport(r.conn(ctx).QueryRow(ctx, `SELECT `+reportCols+` FROM lab_reports WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+resultCols+` FROM lab_results WHERE report_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var res Result
		if err := rows.Scan(&res.ID, &res.ReportID, &res.Position, &res.Parameter,
			&res.Value, &res.Unit, &res.ReferenceRange); err != nil {
			return nil, err
		}
		rp.Results = append(rp.Results, res)
	}
	return rp, rows.Err()
}

func (r *reportRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE lab_reports SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *reportRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM lab_reports WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *reportRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Report, int, error) {
	return r.Search(ctx, map[string]string{"patient": patientID.String()}, limit, offset)
}

func (r *reportRepoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Report, int, error) {
	query := `SELECT ` + reportCols + ` FROM lab_reports WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM lab_reports WHERE 1=1`
	var args []interface{}
	idx := 1

	if p, ok := params["patient"]; ok {
		query += fmt.Sprintf(` AND patient_id = $%d`, idx)
		countQuery += fmt.Sprintf(` AND patient_id = $%d`, idx)
		args = append(args, p)
		idx++
	}
	if p, ok := params["status"]; ok {
		query += fmt.Sprintf(` AND status = $%d`, idx)
		countQuery += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, p)
		idx++
	}
	if p, ok := params["test_name"]; ok {
		query += fmt.Sprintf(` AND test_name ILIKE $%d`, idx)
		countQuery += fmt.Sprintf(` AND test_name ILIKE $%d`, idx)
		args = append(args, "%"+p+"%")
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Report
	for rows.Next() {
		rp, err := scanReport(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rp)
	}
	return items, total, rows.Err()
}

// =========== Patient Repository ===========

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

func (r *patientRepoPG) GetDemographics(ctx context.Context, patientID uuid.UUID) (*Demographics, error) {
	var d Demographics
	err := connFor(ctx, r.pool).QueryRow(ctx,
		`SELECT id, birth_date, COALESCE(gender, '') FROM patients WHERE id = $1`, patientID,
	).Scan(&d.PatientID, &d.BirthDate, &d.Gender)
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (r *patientRepoPG) Upsert(ctx context.Context, d *Demographics) error {
	_, err := connFor(ctx, r.pool).Exec(ctx, `
		INSERT INTO patients (id, birth_date, gender)
		VALUES ($1, $2, NULLIF($3, ''))
		ON CONFLICT (id) DO UPDATE
		SET birth_date = EXCLUDED.birth_date, gender = EXCLUDED.gender, updated_at = NOW()`,
		d.PatientID, d.BirthDate, d.Gender)
	return err
}

// =========== Analysis Repository ===========

type analysisRepoPG struct{ pool *pgxpool.Pool }

func NewAnalysisRepoPG(pool *pgxpool.Pool) AnalysisRepository {
	return &analysisRepoPG{pool: pool}
}

func (r *analysisRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const analysisCols = `id, report_id, patient_id, ordered_by, test_name, assessment, risk_score, critical_count, analyzed_by, analyzed_at`

func scanAnalysis(row pgx.Row) (*Analysis, error) {
	var a Analysis
	err := row.Scan(&a.ID, &a.ReportID, &a.PatientID, &a.OrderedBy, &a.TestName, &a.Assessment, &a.RiskScore,
		&a.CriticalCount, &a.AnalyzedBy, &a.AnalyzedAt)
	return &a, err
}

func (r *analysisRepoPG) Save(ctx context.Context, a *Analysis) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO lab_analyses (id, report_id, patient_id, ordered_by, test_name, assessment, risk_score, critical_count, analyzed_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING analyzed_at`,
		a.ID, a.ReportID, a.PatientID, a.OrderedBy, a.TestName, a.Assessment, a.RiskScore, a.CriticalCount, a.AnalyzedBy,
	).Scan(&a.AnalyzedAt)
}

func (r *analysisRepoPG) GetLatestByReport(ctx context.Context, reportID uuid.UUID) (*Analysis, error) {
	a, err := scanAnalysis(r.conn(ctx).QueryRow(ctx,
		`SELECT `+analysisCols+` FROM lab_analyses WHERE report_id = $1 ORDER BY analyzed_at DESC LIMIT 1`, reportID))
	if err != nil {
		return nil, notFound(err)
	}
	return a, nil
}

func (r *analysisRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Analysis, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM lab_analyses WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+analysisCols+` FROM lab_analyses WHERE patient_id = $1 ORDER BY analyzed_at DESC LIMIT $2 OFFSET $3`,
		patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}
