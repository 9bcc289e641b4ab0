package repository

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/knowledgeengine/core/internal/domain"
	"github.com/knowledgeengine/core/internal/errs"
	"github.com/knowledgeengine/core/internal/store"
)

// AuditRepository appends AuditLog rows. Rows are never updated, only
// inserted and read (spec.md §4.9: "audit is append-only").
type AuditRepository struct {
	st *store.Store
}

func NewAuditRepository(st *store.Store) *AuditRepository {
	return &AuditRepository{st: st}
}

// Append inserts one audit log row. Failure here must never be allowed to
// fail the gateway action it is describing (spec.md §4.10) — callers log
// and continue rather than propagating this error to the caller of
// Gateway.Dispatch.
func (r *AuditRepository) Append(a domain.AuditLog) error {
	actorCtx, err := marshalMap(a.ActorContext)
	if err != nil {
		return errs.Internal(err, "marshal audit actor_context")
	}
	opData, err := marshalMap(a.OperationData)
	if err != nil {
		return errs.Internal(err, "marshal audit operation_data")
	}

	r.st.Lock()
	defer r.st.Unlock()
	_, err = r.st.DB().Exec(`INSERT INTO audit_logs
		(id, timestamp, actor, actor_context_json, action, resource, operation_data_json, result, error_message, duration_ns)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Timestamp, a.Actor, actorCtx, a.Action, a.Resource, opData, string(a.Result), a.ErrorMessage, a.Duration.Nanoseconds())
	if err != nil {
		return errs.Storage(err, "append audit log %s", a.ID)
	}
	return nil
}

// FindByActor returns recent audit rows for an actor, newest first.
func (r *AuditRepository) FindByActor(actor string, page, pageSize int) (Page, error) {
	r.st.RLock()
	defer r.st.RUnlock()

	limit, offset := Pagination(page, pageSize)
	var total int
	if err := r.st.DB().QueryRow(`SELECT COUNT(*) FROM audit_logs WHERE actor=?`, actor).Scan(&total); err != nil {
		return Page{}, errs.Storage(err, "count audit logs")
	}
	rows, err := r.st.DB().Query(`SELECT id, timestamp, actor, actor_context_json, action, resource,
		operation_data_json, result, error_message, duration_ns FROM audit_logs WHERE actor=?
		ORDER BY timestamp DESC LIMIT ? OFFSET ?`, actor, limit, offset)
	if err != nil {
		return Page{}, errs.Storage(err, "query audit logs")
	}
	defer rows.Close()

	out, err := scanAuditRows(rows)
	if err != nil {
		return Page{}, err
	}
	return NewPage(out, page, pageSize, total), nil
}

func scanAuditRows(rows *sql.Rows) ([]domain.AuditLog, error) {
	var out []domain.AuditLog
	for rows.Next() {
		var a domain.AuditLog
		var actorCtx, opData, result string
		var durationNs int64
		if err := rows.Scan(&a.ID, &a.Timestamp, &a.Actor, &actorCtx, &a.Action, &a.Resource, &opData, &result, &a.ErrorMessage, &durationNs); err != nil {
			return nil, errs.Storage(err, "scan audit log")
		}
		a.Result = domain.AuditResult(result)
		a.Duration = time.Duration(durationNs)
		if actorCtx != "" && actorCtx != "{}" {
			if err := json.Unmarshal([]byte(actorCtx), &a.ActorContext); err != nil {
				return nil, errs.Schema(err, "decode audit actor_context")
			}
		}
		if opData != "" && opData != "{}" {
			if err := json.Unmarshal([]byte(opData), &a.OperationData); err != nil {
				return nil, errs.Schema(err, "decode audit operation_data")
			}
		}
		out = append(out, a)
	}
	return out, nil
}

// SessionRepository persists domain.Session rows.
type SessionRepository struct {
	st *store.Store
}

func NewSessionRepository(st *store.Store) *SessionRepository {
	return &SessionRepository{st: st}
}

// Create inserts a new session.
func (r *SessionRepository) Create(s *domain.Session) error {
	ctxJSON, err := marshalMap(s.Context)
	if err != nil {
		return errs.Internal(err, "marshal session context")
	}
	metaJSON, err := marshalMap(s.Metadata)
	if err != nil {
		return errs.Internal(err, "marshal session metadata")
	}

	r.st.Lock()
	defer r.st.Unlock()
	_, err = r.st.DB().Exec(`INSERT INTO sessions
		(id, scope, scope_id, context_json, metadata_json, actor, created_at, last_active_at, expired_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.Scope, s.ScopeID, ctxJSON, metaJSON, s.Actor, s.CreatedAt, s.LastActiveAt, nullableTime(s.ExpiredAt))
	if err != nil {
		return errs.Storage(err, "insert session %s", s.ID)
	}
	return nil
}

// Touch updates last_active_at.
func (r *SessionRepository) Touch(id string) error {
	r.st.Lock()
	defer r.st.Unlock()
	res, err := r.st.DB().Exec(`UPDATE sessions SET last_active_at=CURRENT_TIMESTAMP WHERE id=? AND expired_at IS NULL`, id)
	if err != nil {
		return errs.Storage(err, "touch session %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("active session %s", id)
	}
	return nil
}

// Expire marks a session as expired.
func (r *SessionRepository) Expire(id string) error {
	r.st.Lock()
	defer r.st.Unlock()
	_, err := r.st.DB().Exec(`UPDATE sessions SET expired_at=CURRENT_TIMESTAMP WHERE id=? AND expired_at IS NULL`, id)
	if err != nil {
		return errs.Storage(err, "expire session %s", id)
	}
	return nil
}

// Get fetches a session by id.
func (r *SessionRepository) Get(id string) (*domain.Session, error) {
	r.st.RLock()
	defer r.st.RUnlock()
	var s domain.Session
	var ctxJSON, metaJSON string
	var expiredAt sql.NullTime
	err := r.st.DB().QueryRow(`SELECT id, scope, scope_id, context_json, metadata_json, actor, created_at, last_active_at, expired_at
		FROM sessions WHERE id=?`, id).Scan(&s.ID, &s.Scope, &s.ScopeID, &ctxJSON, &metaJSON, &s.Actor, &s.CreatedAt, &s.LastActiveAt, &expiredAt)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("session %s", id)
	}
	if err != nil {
		return nil, errs.Storage(err, "get session %s", id)
	}
	if ctxJSON != "" && ctxJSON != "{}" {
		if err := json.Unmarshal([]byte(ctxJSON), &s.Context); err != nil {
			return nil, errs.Schema(err, "decode session context")
		}
	}
	if metaJSON != "" && metaJSON != "{}" {
		if err := json.Unmarshal([]byte(metaJSON), &s.Metadata); err != nil {
			return nil, errs.Schema(err, "decode session metadata")
		}
	}
	if expiredAt.Valid {
		t := expiredAt.Time
		s.ExpiredAt = &t
	}
	return &s, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
