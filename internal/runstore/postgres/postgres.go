// Package postgres is a Postgres-backed runstore.Store and
// runstore.FlowStore: goqu for query building over database/sql, pgx as
// the driver, muz for embedded schema migrations, and row-level locking
// (ForUpdate) around the read-modify-write update path.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/rakunlabs/fluxo/internal/fcrypto"
	"github.com/rakunlabs/fluxo/internal/runstore"
)

var (
	DefaultConnMaxLifetime = 15 * time.Minute
	DefaultMaxIdleConns    = 3
	DefaultMaxOpenConns    = 3
	DefaultTablePrefix     = "fluxo_"
)

// Config is the subset of internal/config's store settings this backend
// needs; kept narrow to avoid an import cycle with internal/config.
type Config struct {
	Datasource      string
	Schema          string
	TablePrefix     string
	ConnMaxLifetime time.Duration
	MaxIdleConns    int
	MaxOpenConns    int
	MigrateTable    string
	MigrateValues   map[string]string
}

type Postgres struct {
	db   *sql.DB
	goqu *goqu.Database

	tableFlows     exp.IdentifierExpression
	tableFlowAPIs  exp.IdentifierExpression
	tableRuns      exp.IdentifierExpression
	tableArtifacts exp.IdentifierExpression

	encKey   []byte
	encKeyMu sync.RWMutex
}

// New opens a Postgres connection, runs embedded migrations, and returns a
// store backing both the Run Service and flow/flow-api persistence.
func New(ctx context.Context, cfg Config, encKey []byte) (*Postgres, error) {
	if cfg.Datasource == "" {
		return nil, errors.New("postgres datasource is required")
	}

	tablePrefix := cfg.TablePrefix
	if tablePrefix == "" {
		tablePrefix = DefaultTablePrefix
	}

	db, err := sql.Open("pgx", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := migrateDB(ctx, db, cfg.MigrateTable, tablePrefix, cfg.MigrateValues); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate runstore postgres: %w", err)
	}

	if cfg.Schema != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", cfg.Schema)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set search_path: %w", err)
		}
	}

	connMaxLifetime := cfg.ConnMaxLifetime
	if connMaxLifetime == 0 {
		connMaxLifetime = DefaultConnMaxLifetime
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = DefaultMaxIdleConns
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen == 0 {
		maxOpen = DefaultMaxOpenConns
	}
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetMaxIdleConns(maxIdle)
	db.SetMaxOpenConns(maxOpen)

	slog.Info("connected to runstore postgres")

	return &Postgres{
		db:             db,
		goqu:           goqu.New("postgres", db),
		tableFlows:     goqu.T(tablePrefix + "flows"),
		tableFlowAPIs:  goqu.T(tablePrefix + "flow_apis"),
		tableRuns:      goqu.T(tablePrefix + "runs"),
		tableArtifacts: goqu.T(tablePrefix + "artifacts"),
		encKey:         encKey,
	}, nil
}

func (p *Postgres) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

// ─── Run Service: Store ───

type runRow struct {
	ID           string
	FlowID       string
	FlowAPIID    string
	APIKeyID     string
	ClientIP     string
	UserAgent    string
	Status       string
	Progress     int
	CurrentNode  string
	CreatedAt    time.Time
	StartedAt    sql.NullTime
	CompletedAt  sql.NullTime
	ExpiresAt    time.Time
	Inputs       []byte
	Outputs      []byte
	ErrorMessage sql.NullString
	ErrorType    sql.NullString
	NodeResults  []byte
	Logs         []byte
}

func (p *Postgres) CreateRun(ctx context.Context, run *runstore.Run) error {
	row, err := runToRow(run)
	if err != nil {
		return err
	}

	query, _, err := p.goqu.Insert(p.tableRuns).Rows(goqu.Record{
		"id": row.ID, "flow_id": row.FlowID, "flow_api_id": row.FlowAPIID,
		"api_key_id": row.APIKeyID, "client_ip": row.ClientIP, "user_agent": row.UserAgent,
		"status": row.Status, "progress": row.Progress, "current_node": row.CurrentNode,
		"created_at": row.CreatedAt, "expires_at": row.ExpiresAt, "inputs": row.Inputs,
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert run query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("insert run %q: %w", run.ID, err)
	}
	return nil
}

func (p *Postgres) GetRun(ctx context.Context, id string) (*runstore.Run, error) {
	row, err := p.fetchRunRow(ctx, p.db, id)
	if err != nil {
		return nil, err
	}
	return rowToRun(row)
}

func (p *Postgres) fetchRunRow(ctx context.Context, q querier, id string) (*runRow, error) {
	query, _, err := p.goqu.From(p.tableRuns).
		Select("id", "flow_id", "flow_api_id", "api_key_id", "client_ip", "user_agent",
			"status", "progress", "current_node", "created_at", "started_at", "completed_at",
			"expires_at", "inputs", "outputs", "error_message", "error_type", "node_results", "logs").
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get run query: %w", err)
	}

	var row runRow
	err = q.QueryRowContext(ctx, query).Scan(
		&row.ID, &row.FlowID, &row.FlowAPIID, &row.APIKeyID, &row.ClientIP, &row.UserAgent,
		&row.Status, &row.Progress, &row.CurrentNode, &row.CreatedAt, &row.StartedAt, &row.CompletedAt,
		&row.ExpiresAt, &row.Inputs, &row.Outputs, &row.ErrorMessage, &row.ErrorType, &row.NodeResults, &row.Logs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("runstore: run %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %q: %w", id, err)
	}
	return &row, nil
}

// querier abstracts *sql.DB/*sql.Tx for fetchRunRow.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (p *Postgres) UpdateRun(ctx context.Context, id string, fn func(*runstore.Run) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	lockQuery, _, err := p.goqu.From(p.tableRuns).Select("id").Where(goqu.I("id").Eq(id)).ForUpdate(exp.Wait).ToSQL()
	if err != nil {
		return fmt.Errorf("build lock query: %w", err)
	}
	if err := tx.QueryRowContext(ctx, lockQuery).Scan(new(string)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("runstore: run %q not found", id)
		}
		return fmt.Errorf("lock run %q: %w", id, err)
	}

	row, err := p.fetchRunRow(ctx, tx, id)
	if err != nil {
		return err
	}
	run, err := rowToRun(row)
	if err != nil {
		return err
	}

	if err := fn(run); err != nil {
		return err
	}

	newRow, err := runToRow(run)
	if err != nil {
		return err
	}

	updateQuery, _, err := p.goqu.Update(p.tableRuns).Set(goqu.Record{
		"status": newRow.Status, "progress": newRow.Progress, "current_node": newRow.CurrentNode,
		"started_at": newRow.StartedAt, "completed_at": newRow.CompletedAt,
		"outputs": newRow.Outputs, "error_message": newRow.ErrorMessage, "error_type": newRow.ErrorType,
		"node_results": newRow.NodeResults, "logs": newRow.Logs,
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update run query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, updateQuery); err != nil {
		return fmt.Errorf("update run %q: %w", id, err)
	}

	return tx.Commit()
}

func (p *Postgres) ListRuns(ctx context.Context, filter runstore.ListFilter) ([]*runstore.Run, int, error) {
	ds := p.goqu.From(p.tableRuns)
	if filter.FlowID != "" {
		ds = ds.Where(goqu.I("flow_id").Eq(filter.FlowID))
	}
	if filter.FlowAPIID != "" {
		ds = ds.Where(goqu.I("flow_api_id").Eq(filter.FlowAPIID))
	}
	if filter.Status != "" {
		ds = ds.Where(goqu.I("status").Eq(string(filter.Status)))
	}

	countQuery, _, err := ds.Select(goqu.COUNT("*")).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build count query: %w", err)
	}
	var total int
	if err := p.db.QueryRowContext(ctx, countQuery).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}

	listQuery, _, err := ds.Select("id", "flow_id", "flow_api_id", "api_key_id", "client_ip", "user_agent",
		"status", "progress", "current_node", "created_at", "started_at", "completed_at",
		"expires_at", "inputs", "outputs", "error_message", "error_type", "node_results", "logs").
		Order(goqu.I("created_at").Desc()).
		Limit(uint(pageSize)).
		Offset(uint((page - 1) * pageSize)).
		ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build list runs query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, listQuery)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*runstore.Run
	for rows.Next() {
		var row runRow
		if err := rows.Scan(&row.ID, &row.FlowID, &row.FlowAPIID, &row.APIKeyID, &row.ClientIP, &row.UserAgent,
			&row.Status, &row.Progress, &row.CurrentNode, &row.CreatedAt, &row.StartedAt, &row.CompletedAt,
			&row.ExpiresAt, &row.Inputs, &row.Outputs, &row.ErrorMessage, &row.ErrorType, &row.NodeResults, &row.Logs); err != nil {
			return nil, 0, fmt.Errorf("scan run row: %w", err)
		}
		run, err := rowToRun(&row)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, run)
	}
	return out, total, rows.Err()
}

func (p *Postgres) AddArtifacts(ctx context.Context, runID string, artifacts []runstore.Artifact) error {
	if len(artifacts) == 0 {
		return nil
	}
	rows := make([]any, 0, len(artifacts))
	for _, a := range artifacts {
		rows = append(rows, goqu.Record{
			"id": a.ID, "run_id": runID, "name": a.Name, "category": string(a.Category),
			"format": a.Format, "byte_size": a.ByteSize, "data": a.Data, "created_at": a.CreatedAt,
		})
	}
	query, _, err := p.goqu.Insert(p.tableArtifacts).Rows(rows...).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert artifacts query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("insert artifacts for run %q: %w", runID, err)
	}
	return nil
}

func (p *Postgres) ExpiredTerminalRuns(ctx context.Context, now int64) ([]string, error) {
	query, _, err := p.goqu.From(p.tableRuns).
		Select("id").
		Where(
			goqu.I("status").In("completed", "failed", "cancelled", "timeout"),
			goqu.I("expires_at").Lt(time.Unix(now, 0).UTC()),
		).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build expired runs query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list expired runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *Postgres) ExpireRun(ctx context.Context, id string) error {
	delQuery, _, err := p.goqu.Delete(p.tableArtifacts).Where(goqu.I("run_id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete artifacts query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, delQuery); err != nil {
		return fmt.Errorf("delete artifacts for run %q: %w", id, err)
	}

	query, _, err := p.goqu.Update(p.tableRuns).Set(goqu.Record{
		"status": string(runstore.StatusExpired), "outputs": nil, "node_results": nil, "logs": nil,
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build expire run query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("expire run %q: %w", id, err)
	}
	return nil
}

func runToRow(run *runstore.Run) (*runRow, error) {
	inputs, err := json.Marshal(run.Inputs)
	if err != nil {
		return nil, fmt.Errorf("marshal run inputs: %w", err)
	}
	outputs, err := json.Marshal(run.Outputs)
	if err != nil {
		return nil, fmt.Errorf("marshal run outputs: %w", err)
	}
	nodeResults, err := json.Marshal(run.NodeResults)
	if err != nil {
		return nil, fmt.Errorf("marshal run node results: %w", err)
	}
	logs, err := json.Marshal(run.Logs)
	if err != nil {
		return nil, fmt.Errorf("marshal run logs: %w", err)
	}

	row := &runRow{
		ID: run.ID, FlowID: run.FlowID, FlowAPIID: run.FlowAPIID, APIKeyID: run.APIKeyID,
		ClientIP: run.ClientIP, UserAgent: run.UserAgent, Status: string(run.Status),
		Progress: run.Progress, CurrentNode: run.CurrentNode, CreatedAt: run.CreatedAt,
		ExpiresAt: run.ExpiresAt, Inputs: inputs, Outputs: outputs, NodeResults: nodeResults, Logs: logs,
	}
	if run.StartedAt != nil {
		row.StartedAt = sql.NullTime{Time: *run.StartedAt, Valid: true}
	}
	if run.CompletedAt != nil {
		row.CompletedAt = sql.NullTime{Time: *run.CompletedAt, Valid: true}
	}
	if run.Error != nil {
		row.ErrorMessage = sql.NullString{String: run.Error.Message, Valid: true}
		row.ErrorType = sql.NullString{String: run.Error.Type, Valid: true}
	}
	return row, nil
}

func rowToRun(row *runRow) (*runstore.Run, error) {
	run := &runstore.Run{
		ID: row.ID, FlowID: row.FlowID, FlowAPIID: row.FlowAPIID, APIKeyID: row.APIKeyID,
		ClientIP: row.ClientIP, UserAgent: row.UserAgent, Status: runstore.Status(row.Status),
		Progress: row.Progress, CurrentNode: row.CurrentNode, CreatedAt: row.CreatedAt, ExpiresAt: row.ExpiresAt,
	}
	if row.StartedAt.Valid {
		t := row.StartedAt.Time
		run.StartedAt = &t
	}
	if row.CompletedAt.Valid {
		t := row.CompletedAt.Time
		run.CompletedAt = &t
	}
	if len(row.Inputs) > 0 {
		if err := json.Unmarshal(row.Inputs, &run.Inputs); err != nil {
			return nil, fmt.Errorf("unmarshal run inputs: %w", err)
		}
	}
	if len(row.Outputs) > 0 {
		if err := json.Unmarshal(row.Outputs, &run.Outputs); err != nil {
			return nil, fmt.Errorf("unmarshal run outputs: %w", err)
		}
	}
	if len(row.NodeResults) > 0 {
		if err := json.Unmarshal(row.NodeResults, &run.NodeResults); err != nil {
			return nil, fmt.Errorf("unmarshal run node results: %w", err)
		}
	}
	if len(row.Logs) > 0 {
		if err := json.Unmarshal(row.Logs, &run.Logs); err != nil {
			return nil, fmt.Errorf("unmarshal run logs: %w", err)
		}
	}
	if row.ErrorMessage.Valid {
		run.Error = &runstore.RunError{Message: row.ErrorMessage.String, Type: row.ErrorType.String}
	}
	return run, nil
}

// ─── FlowStore ───

func (p *Postgres) CreateFlow(ctx context.Context, f *runstore.FlowRecord) error {
	query, _, err := p.goqu.Insert(p.tableFlows).Rows(goqu.Record{
		"id": f.ID, "name": f.Name, "version": f.Version, "graph": f.Graph,
		"created_at": f.CreatedAt, "updated_at": f.UpdatedAt,
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert flow query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("insert flow %q: %w", f.ID, err)
	}
	return nil
}

func (p *Postgres) GetFlow(ctx context.Context, id string) (*runstore.FlowRecord, error) {
	query, _, err := p.goqu.From(p.tableFlows).
		Select("id", "name", "version", "graph", "created_at", "updated_at").
		Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get flow query: %w", err)
	}
	var f runstore.FlowRecord
	err = p.db.QueryRowContext(ctx, query).Scan(&f.ID, &f.Name, &f.Version, &f.Graph, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("runstore: flow %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get flow %q: %w", id, err)
	}
	return &f, nil
}

func (p *Postgres) UpdateFlow(ctx context.Context, id string, fn func(*runstore.FlowRecord) error) error {
	f, err := p.GetFlow(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		return err
	}
	f.UpdatedAt = time.Now().UTC()

	query, _, err := p.goqu.Update(p.tableFlows).Set(goqu.Record{
		"name": f.Name, "version": f.Version, "graph": f.Graph, "updated_at": f.UpdatedAt,
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update flow query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("update flow %q: %w", id, err)
	}
	return nil
}

func (p *Postgres) DeleteFlow(ctx context.Context, id string) error {
	query, _, err := p.goqu.Delete(p.tableFlows).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete flow query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete flow %q: %w", id, err)
	}
	return nil
}

func (p *Postgres) ListFlows(ctx context.Context, filter runstore.FlowFilter) ([]*runstore.FlowRecord, int, error) {
	countQuery, _, err := p.goqu.From(p.tableFlows).Select(goqu.COUNT("*")).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build count flows query: %w", err)
	}
	var total int
	if err := p.db.QueryRowContext(ctx, countQuery).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count flows: %w", err)
	}

	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = total
		if pageSize == 0 {
			pageSize = 1
		}
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}

	query, _, err := p.goqu.From(p.tableFlows).
		Select("id", "name", "version", "graph", "created_at", "updated_at").
		Order(goqu.I("created_at").Desc()).
		Limit(uint(pageSize)).
		Offset(uint((page - 1) * pageSize)).
		ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build list flows query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("list flows: %w", err)
	}
	defer rows.Close()

	var out []*runstore.FlowRecord
	for rows.Next() {
		var f runstore.FlowRecord
		if err := rows.Scan(&f.ID, &f.Name, &f.Version, &f.Graph, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan flow row: %w", err)
		}
		out = append(out, &f)
	}
	return out, total, rows.Err()
}

type flowAPIRow struct {
	ID          string
	FlowID      string
	FlowVersion string
	Slug        string
	Enabled     bool
	DefaultTTL  int
	MaxTTL      int
	TimeoutMS   int
	RateLimit   []byte
	Title       string
	Description string
	APIVersion  string
	OpenAPIDoc  []byte
	Webhook     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SetEncryptionKey swaps the key used to encrypt/decrypt Flow-API webhook
// URLs at rest. A nil key disables encryption for subsequently
// written/decrypted values; previously encrypted rows still require the key
// that wrote them. Safe to call concurrently with store operations, and
// intended to be driven by a cluster-wide key rotation broadcast so every
// fluxod replica swaps in lockstep.
func (p *Postgres) SetEncryptionKey(key []byte) {
	p.encKeyMu.Lock()
	p.encKey = key
	p.encKeyMu.Unlock()
}

func (p *Postgres) encryptWebhook(webhook string) (string, error) {
	p.encKeyMu.RLock()
	key := p.encKey
	p.encKeyMu.RUnlock()
	if key == nil {
		return webhook, nil
	}
	return fcrypto.Encrypt(webhook, key)
}

func (p *Postgres) decryptWebhook(webhook string) (string, error) {
	p.encKeyMu.RLock()
	key := p.encKey
	p.encKeyMu.RUnlock()
	if key == nil {
		return webhook, nil
	}
	return fcrypto.Decrypt(webhook, key)
}

func (p *Postgres) CreateFlowAPI(ctx context.Context, api *runstore.FlowAPI) error {
	rateLimit, err := json.Marshal(api.RateLimit)
	if err != nil {
		return fmt.Errorf("marshal rate limit: %w", err)
	}
	webhook, err := p.encryptWebhook(api.Webhook)
	if err != nil {
		return fmt.Errorf("encrypt webhook: %w", err)
	}

	query, _, err := p.goqu.Insert(p.tableFlowAPIs).Rows(goqu.Record{
		"id": api.ID, "flow_id": api.FlowID, "flow_version": api.FlowVersion, "slug": api.Slug,
		"enabled": api.Enabled, "default_ttl": api.DefaultTTL, "max_ttl": api.MaxTTL,
		"timeout_ms": api.TimeoutMS, "rate_limit": rateLimit, "title": api.Title,
		"description": api.Description, "api_version": api.APIVersion, "openapi_doc": api.OpenAPIDoc,
		"webhook": webhook, "created_at": api.CreatedAt, "updated_at": api.UpdatedAt,
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert flow-api query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("insert flow-api %q: %w", api.ID, err)
	}
	return nil
}

func (p *Postgres) getFlowAPIWhere(ctx context.Context, cond exp.Expression) (*runstore.FlowAPI, error) {
	query, _, err := p.goqu.From(p.tableFlowAPIs).
		Select("id", "flow_id", "flow_version", "slug", "enabled", "default_ttl", "max_ttl",
			"timeout_ms", "rate_limit", "title", "description", "api_version", "openapi_doc",
			"webhook", "created_at", "updated_at").
		Where(cond).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get flow-api query: %w", err)
	}

	var row flowAPIRow
	err = p.db.QueryRowContext(ctx, query).Scan(&row.ID, &row.FlowID, &row.FlowVersion, &row.Slug,
		&row.Enabled, &row.DefaultTTL, &row.MaxTTL, &row.TimeoutMS, &row.RateLimit, &row.Title,
		&row.Description, &row.APIVersion, &row.OpenAPIDoc, &row.Webhook, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("runstore: flow-api not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get flow-api: %w", err)
	}

	webhook, err := p.decryptWebhook(row.Webhook)
	if err != nil {
		return nil, fmt.Errorf("decrypt webhook: %w", err)
	}

	var rl runstore.RateLimitPolicy
	if len(row.RateLimit) > 0 {
		if err := json.Unmarshal(row.RateLimit, &rl); err != nil {
			return nil, fmt.Errorf("unmarshal rate limit: %w", err)
		}
	}

	return &runstore.FlowAPI{
		ID: row.ID, FlowID: row.FlowID, FlowVersion: row.FlowVersion, Slug: row.Slug,
		Enabled: row.Enabled, DefaultTTL: row.DefaultTTL, MaxTTL: row.MaxTTL, TimeoutMS: row.TimeoutMS,
		RateLimit: rl, Title: row.Title, Description: row.Description, APIVersion: row.APIVersion,
		OpenAPIDoc: row.OpenAPIDoc, Webhook: webhook, CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
	}, nil
}

func (p *Postgres) GetFlowAPI(ctx context.Context, id string) (*runstore.FlowAPI, error) {
	return p.getFlowAPIWhere(ctx, goqu.I("id").Eq(id))
}

func (p *Postgres) GetFlowAPIBySlug(ctx context.Context, slug string) (*runstore.FlowAPI, error) {
	return p.getFlowAPIWhere(ctx, goqu.I("slug").Eq(slug))
}

func (p *Postgres) UpdateFlowAPI(ctx context.Context, id string, fn func(*runstore.FlowAPI) error) error {
	api, err := p.GetFlowAPI(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(api); err != nil {
		return err
	}
	api.UpdatedAt = time.Now().UTC()

	rateLimit, err := json.Marshal(api.RateLimit)
	if err != nil {
		return fmt.Errorf("marshal rate limit: %w", err)
	}
	webhook, err := p.encryptWebhook(api.Webhook)
	if err != nil {
		return fmt.Errorf("encrypt webhook: %w", err)
	}

	query, _, err := p.goqu.Update(p.tableFlowAPIs).Set(goqu.Record{
		"flow_version": api.FlowVersion, "slug": api.Slug, "enabled": api.Enabled,
		"default_ttl": api.DefaultTTL, "max_ttl": api.MaxTTL, "timeout_ms": api.TimeoutMS,
		"rate_limit": rateLimit, "title": api.Title, "description": api.Description,
		"api_version": api.APIVersion, "openapi_doc": api.OpenAPIDoc, "webhook": webhook,
		"updated_at": api.UpdatedAt,
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update flow-api query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("update flow-api %q: %w", id, err)
	}
	return nil
}

func (p *Postgres) DeleteFlowAPI(ctx context.Context, id string) error {
	query, _, err := p.goqu.Delete(p.tableFlowAPIs).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete flow-api query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete flow-api %q: %w", id, err)
	}
	return nil
}

func (p *Postgres) ListFlowAPIs(ctx context.Context, flowID string) ([]*runstore.FlowAPI, error) {
	ds := p.goqu.From(p.tableFlowAPIs)
	if flowID != "" {
		ds = ds.Where(goqu.I("flow_id").Eq(flowID))
	}
	query, _, err := ds.Select("id").Order(goqu.I("created_at").Desc()).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list flow-apis query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list flow-apis: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan flow-api id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*runstore.FlowAPI, 0, len(ids))
	for _, id := range ids {
		api, err := p.GetFlowAPI(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, api)
	}
	return out, nil
}
