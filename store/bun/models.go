package bunstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/acidic"
	"github.com/xraph/acidic/id"
	"github.com/xraph/acidic/queue"
	"github.com/xraph/acidic/record"
	"github.com/xraph/acidic/staged"
	"github.com/xraph/acidic/workflow"
)

// ── Record model ──────────────────────────────────────────────────

type recordModel struct {
	bun.BaseModel `bun:"table:acidic_records"`

	ID             string     `bun:"id,pk"`
	IdempotencyKey string     `bun:"idempotency_key,notnull"`
	JobName        string     `bun:"job_name,notnull"`
	JobArgs        string     `bun:"job_args,notnull"`
	RecoveryPoint  string     `bun:"recovery_point,notnull"`
	Workflow       *string    `bun:"workflow"`
	Attrs          string     `bun:"attrs,notnull"`
	Error          []byte     `bun:"error,type:bytea"`
	LockedAt       *time.Time `bun:"locked_at"`
	LastRunAt      time.Time  `bun:"last_run_at,notnull"`
	Staged         bool       `bun:"staged,notnull"`
	BatchID        string     `bun:"batch_id,notnull"`
	CreatedAt      time.Time  `bun:"created_at,notnull"`
	UpdatedAt      time.Time  `bun:"updated_at,notnull"`
}

func toRecordModel(r *record.Record) (*recordModel, error) {
	wf, attrs, err := encodeRecordJSON(r.Workflow, r.Attrs)
	if err != nil {
		return nil, err
	}
	args := string(r.JobArgs)
	if args == "" {
		args = "{}"
	}
	return &recordModel{
		ID:             r.ID.String(),
		IdempotencyKey: r.IdempotencyKey,
		JobName:        r.JobName,
		JobArgs:        args,
		RecoveryPoint:  r.RecoveryPoint,
		Workflow:       wf,
		Attrs:          attrs,
		Error:          nilIfEmpty(r.Error),
		LockedAt:       r.LockedAt,
		LastRunAt:      r.LastRunAt.UTC(),
		Staged:         r.Staged,
		BatchID:        r.BatchID,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}, nil
}

func fromRecordModel(m *recordModel) (*record.Record, error) {
	parsedID, err := id.ParseRecordID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("acidic/bun: parse record id %q: %w", m.ID, err)
	}

	r := &record.Record{
		Entity: acidic.Entity{
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		},
		ID:             parsedID,
		IdempotencyKey: m.IdempotencyKey,
		JobName:        m.JobName,
		JobArgs:        json.RawMessage(m.JobArgs),
		RecoveryPoint:  m.RecoveryPoint,
		Error:          nilIfEmpty(m.Error),
		LastRunAt:      m.LastRunAt.UTC(),
		Staged:         m.Staged,
		BatchID:        m.BatchID,
		Attrs:          workflow.Attrs{},
	}
	if m.LockedAt != nil {
		t := m.LockedAt.UTC()
		r.LockedAt = &t
	}
	if m.Workflow != nil && *m.Workflow != "" {
		if err := json.Unmarshal([]byte(*m.Workflow), &r.Workflow); err != nil {
			return nil, fmt.Errorf("acidic/bun: decode workflow of %s: %w", m.ID, err)
		}
	}
	if m.Attrs != "" {
		if err := json.Unmarshal([]byte(m.Attrs), &r.Attrs); err != nil {
			return nil, fmt.Errorf("acidic/bun: decode attrs of %s: %w", m.ID, err)
		}
	}
	return r, nil
}

// encodeRecordJSON renders the JSONB columns. A nil workflow encodes as
// NULL so COALESCE keeps the stored one.
func encodeRecordJSON(wf workflow.Workflow, attrs workflow.Attrs) (*string, string, error) {
	var wfJSON *string
	if wf != nil {
		b, err := json.Marshal(wf)
		if err != nil {
			return nil, "", fmt.Errorf("acidic/bun: encode workflow: %w", err)
		}
		s := string(b)
		wfJSON = &s
	}
	if attrs == nil {
		attrs = workflow.Attrs{}
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return nil, "", fmt.Errorf("acidic/bun: encode attrs: %w", err)
	}
	return wfJSON, string(b), nil
}

// ── Staged job model ──────────────────────────────────────────────

type stagedModel struct {
	bun.BaseModel `bun:"table:acidic_staged_jobs"`

	ID            string    `bun:"id,pk"`
	Adapter       string    `bun:"adapter,notnull"`
	JobName       string    `bun:"job_name,notnull"`
	JobArgs       *string   `bun:"job_args"`
	BatchID       string    `bun:"batch_id,notnull"`
	Callback      *string   `bun:"callback"`
	Attempts      int       `bun:"attempts,notnull"`
	NextAttemptAt time.Time `bun:"next_attempt_at,notnull"`
	LastError     string    `bun:"last_error,notnull"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
}

func toStagedModel(j *staged.Job) (*stagedModel, error) {
	m := &stagedModel{
		ID:            j.ID.String(),
		Adapter:       j.Adapter,
		JobName:       j.JobName,
		BatchID:       j.BatchID,
		Attempts:      j.Attempts,
		NextAttemptAt: j.NextAttemptAt.UTC(),
		LastError:     j.LastError,
		CreatedAt:     j.CreatedAt.UTC(),
	}
	if j.JobArgs != nil {
		a := string(j.JobArgs)
		m.JobArgs = &a
	}
	if j.Callback != nil {
		b, err := json.Marshal(j.Callback)
		if err != nil {
			return nil, fmt.Errorf("acidic/bun: encode callback: %w", err)
		}
		cb := string(b)
		m.Callback = &cb
	}
	return m, nil
}

func fromStagedModel(m *stagedModel) (*staged.Job, error) {
	parsedID, err := id.ParseStagedID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("acidic/bun: parse staged id %q: %w", m.ID, err)
	}

	j := &staged.Job{
		ID:            parsedID,
		Adapter:       m.Adapter,
		JobName:       m.JobName,
		BatchID:       m.BatchID,
		Attempts:      m.Attempts,
		NextAttemptAt: m.NextAttemptAt.UTC(),
		LastError:     m.LastError,
		CreatedAt:     m.CreatedAt.UTC(),
	}
	if m.JobArgs != nil {
		j.JobArgs = json.RawMessage(*m.JobArgs)
	}
	if m.Callback != nil && *m.Callback != "" {
		j.Callback = &queue.Job{}
		if err := json.Unmarshal([]byte(*m.Callback), j.Callback); err != nil {
			return nil, fmt.Errorf("acidic/bun: decode callback of %s: %w", m.ID, err)
		}
	}
	return j, nil
}

func fromStagedModels(models []stagedModel) ([]*staged.Job, error) {
	jobs := make([]*staged.Job, 0, len(models))
	for i := range models {
		j, err := fromStagedModel(&models[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
