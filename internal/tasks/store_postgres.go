package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/tasksync/internal/policy"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initTaskSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initTaskSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS workspace_members (
			workspace_id TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
			identity_id TEXT NOT NULL,
			PRIMARY KEY (workspace_id, identity_id)
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
			title TEXT NOT NULL,
			status TEXT NOT NULL,
			priority TEXT NOT NULL DEFAULT '',
			assigned_to TEXT NOT NULL DEFAULT '',
			tags TEXT[] NOT NULL DEFAULT '{}',
			status_changed_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_workspace_created ON tasks (workspace_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS task_comments (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			author_id TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_comments_task ON task_comments (task_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS task_attachments (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			file_name TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			size_bytes BIGINT NOT NULL DEFAULT 0,
			storage_key TEXT NOT NULL DEFAULT '',
			uploaded_by TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_attachments_task ON task_attachments (task_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS task_activity (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			workspace_id TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			action TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_activity_task ON task_activity (task_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS task_favorites (
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			identity_id TEXT NOT NULL,
			PRIMARY KEY (task_id, identity_id)
		);`,
		`CREATE TABLE IF NOT EXISTS workspace_orders (
			workspace_id TEXT PRIMARY KEY REFERENCES workspaces(id) ON DELETE CASCADE,
			task_ids TEXT[] NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			identity_id TEXT NOT NULL,
			type TEXT NOT NULL,
			message TEXT NOT NULL,
			is_read BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_identity_created ON notifications (identity_id, created_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init task schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateWorkspace(ctx context.Context, ws Workspace) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO workspaces (id, name, owner_id, created_at) VALUES ($1,$2,$3,$4)`,
		ws.ID, ws.Name, ws.OwnerID, ws.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error) {
	var ws Workspace
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, owner_id, created_at FROM workspaces WHERE id=$1`, workspaceID,
	).Scan(&ws.ID, &ws.Name, &ws.OwnerID, &ws.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Workspace{}, ErrStoreNotFound
		}
		return Workspace{}, fmt.Errorf("get workspace: %w", err)
	}
	return ws, nil
}

func (s *PostgresStore) AddMember(ctx context.Context, workspaceID, identityID string) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO workspace_members (workspace_id, identity_id)
		 SELECT id, $2 FROM workspaces WHERE id=$1
		 ON CONFLICT DO NOTHING`,
		workspaceID, identityID,
	)
	if err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetWorkspace(ctx, workspaceID); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) Relationship(ctx context.Context, workspaceID, identityID string) (policy.Relationship, error) {
	var (
		ownerID  string
		isMember bool
	)
	err := s.pool.QueryRow(ctx,
		`SELECT w.owner_id,
		        EXISTS (SELECT 1 FROM workspace_members m WHERE m.workspace_id=w.id AND m.identity_id=$2)
		   FROM workspaces w WHERE w.id=$1`,
		workspaceID, identityID,
	).Scan(&ownerID, &isMember)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return policy.RelationNone, ErrStoreNotFound
		}
		return policy.RelationNone, fmt.Errorf("lookup relationship: %w", err)
	}
	switch {
	case ownerID == identityID:
		return policy.RelationOwner, nil
	case isMember:
		return policy.RelationMember, nil
	default:
		return policy.RelationNone, nil
	}
}

func (s *PostgresStore) CreateTask(ctx context.Context, task Task, act Activity) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tags := task.Tags
		if tags == nil {
			tags = []string{}
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO tasks (
				id, workspace_id, title, status, priority, assigned_to, tags,
				status_changed_at, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			task.ID, task.WorkspaceID, task.Title, string(task.Status), task.Priority,
			task.AssignedTo, tags, task.StatusChangedAt, task.CreatedAt, task.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return insertActivity(ctx, tx, act)
	})
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id=$1`,
		taskID,
	)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrStoreNotFound
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	if err := s.loadChildren(ctx, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, workspaceID string) ([]Task, error) {
	if _, err := s.GetWorkspace(ctx, workspaceID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE workspace_id=$1 ORDER BY created_at ASC, id ASC`,
		workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]Task, 0, 16)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, task)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	for i := range out {
		if err := s.loadChildren(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresStore) TaskIDs(ctx context.Context, workspaceID string) ([]string, error) {
	if _, err := s.GetWorkspace(ctx, workspaceID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM tasks WHERE workspace_id=$1 ORDER BY created_at ASC, id ASC`, workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("list task ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect task ids: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, taskID string, status Status, at time.Time, act Activity) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE tasks SET status=$2, status_changed_at=$3, updated_at=$3 WHERE id=$1`,
			taskID, string(status), at,
		)
		if err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrStoreNotFound
		}
		return insertActivity(ctx, tx, act)
	})
}

func (s *PostgresStore) FindComment(ctx context.Context, commentID string) (Comment, error) {
	var c Comment
	err := s.pool.QueryRow(ctx,
		`SELECT id, task_id, author_id, content, created_at FROM task_comments WHERE id=$1`, commentID,
	).Scan(&c.ID, &c.TaskID, &c.AuthorID, &c.Content, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Comment{}, ErrStoreNotFound
		}
		return Comment{}, fmt.Errorf("get comment: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, c Comment, act Activity) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := touchTask(ctx, tx, c.TaskID, c.CreatedAt); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO task_comments (id, task_id, author_id, content, created_at) VALUES ($1,$2,$3,$4,$5)`,
			c.ID, c.TaskID, c.AuthorID, c.Content, c.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert comment: %w", err)
		}
		return insertActivity(ctx, tx, act)
	})
}

func (s *PostgresStore) FindAttachment(ctx context.Context, attachmentID string) (Attachment, error) {
	var a Attachment
	err := s.pool.QueryRow(ctx,
		`SELECT id, task_id, file_name, content_type, size_bytes, storage_key, uploaded_by, created_at
		   FROM task_attachments WHERE id=$1`, attachmentID,
	).Scan(&a.ID, &a.TaskID, &a.FileName, &a.ContentType, &a.SizeBytes, &a.StorageKey, &a.UploadedBy, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Attachment{}, ErrStoreNotFound
		}
		return Attachment{}, fmt.Errorf("get attachment: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) InsertAttachment(ctx context.Context, a Attachment, act Activity) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := touchTask(ctx, tx, a.TaskID, a.CreatedAt); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO task_attachments (
				id, task_id, file_name, content_type, size_bytes, storage_key, uploaded_by, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			a.ID, a.TaskID, a.FileName, a.ContentType, a.SizeBytes, a.StorageKey, a.UploadedBy, a.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
		return insertActivity(ctx, tx, act)
	})
}

func (s *PostgresStore) IsFavorite(ctx context.Context, taskID, identityID string) (bool, error) {
	var exists, fav bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tasks WHERE id=$1),
		        EXISTS (SELECT 1 FROM task_favorites WHERE task_id=$1 AND identity_id=$2)`,
		taskID, identityID,
	).Scan(&exists, &fav)
	if err != nil {
		return false, fmt.Errorf("lookup favorite: %w", err)
	}
	if !exists {
		return false, ErrStoreNotFound
	}
	return fav, nil
}

func (s *PostgresStore) SetFavorite(ctx context.Context, taskID, identityID string, favorite bool, act Activity) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := touchTask(ctx, tx, taskID, act.CreatedAt); err != nil {
			return err
		}
		var err error
		if favorite {
			_, err = tx.Exec(ctx,
				`INSERT INTO task_favorites (task_id, identity_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`,
				taskID, identityID)
		} else {
			_, err = tx.Exec(ctx,
				`DELETE FROM task_favorites WHERE task_id=$1 AND identity_id=$2`, taskID, identityID)
		}
		if err != nil {
			return fmt.Errorf("set favorite: %w", err)
		}
		return insertActivity(ctx, tx, act)
	})
}

func (s *PostgresStore) GetOrder(ctx context.Context, workspaceID string) (WorkspaceOrder, error) {
	order := WorkspaceOrder{WorkspaceID: workspaceID}
	err := s.pool.QueryRow(ctx,
		`SELECT task_ids, updated_at FROM workspace_orders WHERE workspace_id=$1`, workspaceID,
	).Scan(&order.TaskIDs, &order.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WorkspaceOrder{}, ErrStoreNotFound
		}
		return WorkspaceOrder{}, fmt.Errorf("get order: %w", err)
	}
	return order, nil
}

func (s *PostgresStore) SaveOrder(ctx context.Context, order WorkspaceOrder) error {
	ids := order.TaskIDs
	if ids == nil {
		ids = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO workspace_orders (workspace_id, task_ids, updated_at) VALUES ($1,$2,$3)
		 ON CONFLICT (workspace_id) DO UPDATE SET task_ids=EXCLUDED.task_ids, updated_at=EXCLUDED.updated_at`,
		order.WorkspaceID, ids, order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert order: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetNotification(ctx context.Context, notificationID string) (Notification, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, identity_id, type, message, is_read, created_at FROM notifications WHERE id=$1`,
		notificationID,
	)
	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Notification{}, ErrStoreNotFound
		}
		return Notification{}, fmt.Errorf("get notification: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) SaveNotification(ctx context.Context, n Notification) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notifications (id, identity_id, type, message, is_read, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (id) DO UPDATE SET
			type=EXCLUDED.type,
			message=EXCLUDED.message,
			is_read=EXCLUDED.is_read`,
		n.ID, n.IdentityID, n.Type, n.Message, n.IsRead, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, identityID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, identity_id, type, message, is_read, created_at
		   FROM notifications WHERE identity_id=$1 ORDER BY created_at DESC, id ASC LIMIT $2`,
		identityID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	out := make([]Notification, 0, limit)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notification rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) loadChildren(ctx context.Context, task *Task) error {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, author_id, content, created_at
		   FROM task_comments WHERE task_id=$1 ORDER BY created_at ASC, id ASC`, task.ID)
	if err != nil {
		return fmt.Errorf("list comments: %w", err)
	}
	task.Comments, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Comment, error) {
		var c Comment
		err := row.Scan(&c.ID, &c.TaskID, &c.AuthorID, &c.Content, &c.CreatedAt)
		return c, err
	})
	if err != nil {
		return fmt.Errorf("scan comments: %w", err)
	}

	rows, err = s.pool.Query(ctx,
		`SELECT id, task_id, file_name, content_type, size_bytes, storage_key, uploaded_by, created_at
		   FROM task_attachments WHERE task_id=$1 ORDER BY created_at ASC, id ASC`, task.ID)
	if err != nil {
		return fmt.Errorf("list attachments: %w", err)
	}
	task.Attachments, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Attachment, error) {
		var a Attachment
		err := row.Scan(&a.ID, &a.TaskID, &a.FileName, &a.ContentType, &a.SizeBytes, &a.StorageKey, &a.UploadedBy, &a.CreatedAt)
		return a, err
	})
	if err != nil {
		return fmt.Errorf("scan attachments: %w", err)
	}

	rows, err = s.pool.Query(ctx,
		`SELECT id, task_id, workspace_id, actor_id, action, detail, created_at
		   FROM task_activity WHERE task_id=$1 ORDER BY created_at DESC, id ASC`, task.ID)
	if err != nil {
		return fmt.Errorf("list activity: %w", err)
	}
	task.ActivityLog, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Activity, error) {
		var (
			a      Activity
			action string
		)
		err := row.Scan(&a.ID, &a.TaskID, &a.WorkspaceID, &a.ActorID, &action, &a.Detail, &a.CreatedAt)
		a.Action = ActivityAction(action)
		return a, err
	})
	if err != nil {
		return fmt.Errorf("scan activity: %w", err)
	}
	return nil
}

const taskColumns = `id, workspace_id, title, status, priority, assigned_to, tags,
	status_changed_at, created_at, updated_at`

func scanTask(row pgx.Row) (Task, error) {
	var (
		task   Task
		status string
	)
	if err := row.Scan(
		&task.ID,
		&task.WorkspaceID,
		&task.Title,
		&status,
		&task.Priority,
		&task.AssignedTo,
		&task.Tags,
		&task.StatusChangedAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return Task{}, err
	}
	task.Status = Status(status)
	if task.Tags == nil {
		task.Tags = []string{}
	}
	return task, nil
}

func scanNotification(row pgx.Row) (Notification, error) {
	var n Notification
	err := row.Scan(&n.ID, &n.IdentityID, &n.Type, &n.Message, &n.IsRead, &n.CreatedAt)
	return n, err
}

func insertActivity(ctx context.Context, tx pgx.Tx, act Activity) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO task_activity (id, task_id, workspace_id, actor_id, action, detail, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		act.ID, act.TaskID, act.WorkspaceID, act.ActorID, string(act.Action), act.Detail, act.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func touchTask(ctx context.Context, tx pgx.Tx, taskID string, at time.Time) error {
	tag, err := tx.Exec(ctx,
		`UPDATE tasks SET updated_at=GREATEST(updated_at, $2) WHERE id=$1`, taskID, at)
	if err != nil {
		return fmt.Errorf("touch task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStoreNotFound
	}
	return nil
}
