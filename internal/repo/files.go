package repo

import (
	"context"
	"database/sql"
	"fmt"

	"shotline/internal/domain"
)

// File rows are immutable: there are insert and read methods only. A new
// revision is always a new row, enforced by the unique (task_id, revision)
// index on each table.

func (r Repo) InsertWorkingFile(ctx context.Context, wf domain.WorkingFile) error {
	_, err := r.q.ExecContext(ctx, `INSERT INTO working_files(id,task_id,name,path,revision,extension,size_bytes,checksum,created_by,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		wf.ID, wf.TaskID, wf.Name, wf.Path, wf.Revision, wf.Extension, wf.SizeBytes, wf.Checksum, wf.CreatedBy, wf.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("working file revision %d for task %s: %w", wf.Revision, wf.TaskID, domain.ErrEntryExists)
	}
	return err
}

const workingFileCols = `id,task_id,name,path,revision,extension,size_bytes,checksum,created_by,created_at`

func scanWorkingFile(scan func(dest ...any) error) (domain.WorkingFile, error) {
	var wf domain.WorkingFile
	err := scan(&wf.ID, &wf.TaskID, &wf.Name, &wf.Path, &wf.Revision, &wf.Extension, &wf.SizeBytes, &wf.Checksum, &wf.CreatedBy, &wf.CreatedAt)
	return wf, err
}

func (r Repo) GetWorkingFile(ctx context.Context, id string) (domain.WorkingFile, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+workingFileCols+` FROM working_files WHERE id=?`, id)
	wf, err := scanWorkingFile(row.Scan)
	if err == sql.ErrNoRows {
		return wf, ErrNotFound
	}
	return wf, err
}

func (r Repo) ListWorkingFiles(ctx context.Context, taskID string) ([]domain.WorkingFile, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+workingFileCols+` FROM working_files WHERE task_id=? ORDER BY revision`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkingFile
	for rows.Next() {
		wf, err := scanWorkingFile(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, wf)
	}
	return res, rows.Err()
}

func (r Repo) InsertOutputFile(ctx context.Context, of domain.OutputFile) error {
	_, err := r.q.ExecContext(ctx, `INSERT INTO output_files(id,task_id,working_file_id,name,path,revision,extension,size_bytes,checksum,created_by,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		of.ID, of.TaskID, nullableStringPtr(of.WorkingFileID), of.Name, of.Path, of.Revision, of.Extension, of.SizeBytes, of.Checksum, of.CreatedBy, of.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("output file revision %d for task %s: %w", of.Revision, of.TaskID, domain.ErrEntryExists)
	}
	return err
}

const outputFileCols = `id,task_id,working_file_id,name,path,revision,extension,size_bytes,checksum,created_by,created_at`

func scanOutputFile(scan func(dest ...any) error) (domain.OutputFile, error) {
	var of domain.OutputFile
	var workingFileID sql.NullString
	err := scan(&of.ID, &of.TaskID, &workingFileID, &of.Name, &of.Path, &of.Revision, &of.Extension, &of.SizeBytes, &of.Checksum, &of.CreatedBy, &of.CreatedAt)
	if workingFileID.Valid {
		of.WorkingFileID = &workingFileID.String
	}
	return of, err
}

func (r Repo) GetOutputFile(ctx context.Context, id string) (domain.OutputFile, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+outputFileCols+` FROM output_files WHERE id=?`, id)
	of, err := scanOutputFile(row.Scan)
	if err == sql.ErrNoRows {
		return of, ErrNotFound
	}
	return of, err
}

func (r Repo) ListOutputFiles(ctx context.Context, taskID string) ([]domain.OutputFile, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+outputFileCols+` FROM output_files WHERE task_id=? ORDER BY revision`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutputFile
	for rows.Next() {
		of, err := scanOutputFile(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, of)
	}
	return res, rows.Err()
}

// MaxRevision returns the highest stored file revision for the task and
// kind, zero when no file exists yet. Callers allocating the next revision
// must run this inside the same transaction as the insert.
func (r Repo) MaxRevision(ctx context.Context, taskID string, kind domain.FileKind) (int, error) {
	table := "working_files"
	if kind == domain.FileOutput {
		table = "output_files"
	}
	var max int
	err := r.q.QueryRowContext(ctx, `SELECT COALESCE(MAX(revision),0) FROM `+table+` WHERE task_id=?`, taskID).Scan(&max)
	return max, err
}
