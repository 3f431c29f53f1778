// Package db is the PostgreSQL persistence layer: contract reputation,
// outcome and report feeds, the deployer graph, the indexer backlog,
// mempool alerts, and hashed API keys.
package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/txshield/firewall-engine/pkg/models"
)

// schemaSQL is compiled into the binary at build time so schema init works
// inside the Docker runtime image, which does not carry the .sql file.
//
//go:embed schema.sql
var schemaSQL string

type Store struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(ctx context.Context, connStr string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}

	log.Println("[DB] connected to PostgreSQL")
	return &Store{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}
	log.Println("[DB] firewall schema initialized")
	return nil
}

// GetPool exposes the connection pool for subsystems that batch their own SQL.
func (s *Store) GetPool() *pgxpool.Pool {
	return s.pool
}

// ---- contract reputation ----

// UpsertReputation writes the latest assessment for a (chain, address) pair.
// Verdict counters are preserved; they move only through BumpVerdictCount.
func (s *Store) UpsertReputation(ctx context.Context, rep models.ContractReputation) error {
	breakdown, err := json.Marshal(rep.Breakdown)
	if err != nil {
		return fmt.Errorf("marshal breakdown: %v", err)
	}
	flags := make([]string, len(rep.Flags))
	for i, f := range rep.Flags {
		flags[i] = string(f)
	}
	var creator *string
	if rep.Creator != nil {
		hex := rep.Creator.Hex()
		creator = &hex
	}

	sql := `
		INSERT INTO contract_reputation
			(chain_id, address, composite, breakdown, flags, level, verified,
			 creator, first_seen_block, scam_listed, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (chain_id, address) DO UPDATE SET
			composite = EXCLUDED.composite,
			breakdown = EXCLUDED.breakdown,
			flags = EXCLUDED.flags,
			level = EXCLUDED.level,
			verified = EXCLUDED.verified,
			creator = COALESCE(EXCLUDED.creator, contract_reputation.creator),
			first_seen_block = COALESCE(NULLIF(EXCLUDED.first_seen_block, 0), contract_reputation.first_seen_block),
			scam_listed = EXCLUDED.scam_listed,
			updated_at = NOW();
	`
	_, err = s.pool.Exec(ctx, sql,
		rep.ChainID, rep.Address.Hex(), rep.Composite, breakdown, flags,
		string(rep.Level), rep.Verified, creator, rep.FirstSeenBlk, rep.ScamListed)
	return err
}

// GetReputation returns the stored row, or (nil, nil) when the address has
// never been assessed.
func (s *Store) GetReputation(ctx context.Context, chainID int64, address string) (*models.ContractReputation, error) {
	sql := `
		SELECT chain_id, address, composite, breakdown, flags, level, verified,
		       creator, COALESCE(first_seen_block, 0), scam_listed,
		       block_count, warn_count, allow_count, updated_at
		FROM contract_reputation
		WHERE chain_id = $1 AND address = $2;
	`
	var (
		rep       models.ContractReputation
		addr      string
		breakdown []byte
		flags     []string
		level     string
		creator   *string
	)
	err := s.pool.QueryRow(ctx, sql, chainID, address).Scan(
		&rep.ChainID, &addr, &rep.Composite, &breakdown, &flags, &level,
		&rep.Verified, &creator, &rep.FirstSeenBlk, &rep.ScamListed,
		&rep.BlockCount, &rep.WarnCount, &rep.AllowCount, &rep.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rep.Address = common.HexToAddress(addr)
	rep.Level = models.RiskLevel(level)
	if creator != nil {
		c := common.HexToAddress(*creator)
		rep.Creator = &c
	}
	if len(breakdown) > 0 {
		if err := json.Unmarshal(breakdown, &rep.Breakdown); err != nil {
			return nil, fmt.Errorf("unmarshal breakdown: %v", err)
		}
	}
	rep.Flags = make([]models.Flag, len(flags))
	for i, f := range flags {
		rep.Flags[i] = models.Flag(f)
	}
	return &rep, nil
}

// BumpVerdictCount increments the per-address counter for one verdict action.
func (s *Store) BumpVerdictCount(ctx context.Context, chainID int64, address string, action models.Action) error {
	var col string
	switch action {
	case models.ActionBlock:
		col = "block_count"
	case models.ActionWarn:
		col = "warn_count"
	case models.ActionAllow:
		col = "allow_count"
	default:
		return fmt.Errorf("unknown action: %s", action)
	}
	sql := fmt.Sprintf("UPDATE contract_reputation SET %s = %s + 1 WHERE chain_id = $1 AND address = $2", col, col)
	_, err := s.pool.Exec(ctx, sql, chainID, address)
	return err
}

// TopFlagged returns the highest-scoring addresses seen recently, for the
// threat feed and calibration review.
func (s *Store) TopFlagged(ctx context.Context, chainID int64, since time.Time, limit int) ([]models.ContractReputation, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	sql := `
		SELECT chain_id, address, composite, flags, level, verified, scam_listed,
		       block_count, warn_count, updated_at
		FROM contract_reputation
		WHERE chain_id = $1 AND updated_at >= $2 AND level <> 'LOW'
		ORDER BY composite DESC, updated_at DESC
		LIMIT $3;
	`
	rows, err := s.pool.Query(ctx, sql, chainID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.ContractReputation, 0)
	for rows.Next() {
		var (
			rep   models.ContractReputation
			addr  string
			flags []string
			level string
		)
		if err := rows.Scan(&rep.ChainID, &addr, &rep.Composite, &flags, &level,
			&rep.Verified, &rep.ScamListed, &rep.BlockCount, &rep.WarnCount, &rep.UpdatedAt); err != nil {
			return nil, err
		}
		rep.Address = common.HexToAddress(addr)
		rep.Level = models.RiskLevel(level)
		rep.Flags = make([]models.Flag, len(flags))
		for i, f := range flags {
			rep.Flags[i] = models.Flag(f)
		}
		out = append(out, rep)
	}
	return out, rows.Err()
}

// ---- calibration feeds ----

// RecordOutcome appends a user decision / downstream signal for a verdict.
func (s *Store) RecordOutcome(ctx context.Context, ev models.OutcomeEvent) error {
	sql := `
		INSERT INTO outcome_events (verdict_id, decision, downstream_signal)
		VALUES ($1, $2, $3);
	`
	_, err := s.pool.Exec(ctx, sql, ev.VerdictID, string(ev.Decision), string(ev.Downstream))
	return err
}

// RecordReport appends a community scam / false-positive report.
func (s *Store) RecordReport(ctx context.Context, rep models.CommunityReport) error {
	sql := `
		INSERT INTO community_reports (reporter, chain_id, target, kind, note)
		VALUES ($1, $2, $3, $4, $5);
	`
	_, err := s.pool.Exec(ctx, sql, rep.Reporter, rep.ChainID, rep.Target.Hex(), string(rep.Kind), rep.Note)
	return err
}

// ---- deployer graph ----

// SaveDeployment records the contract -> deployer -> first-funder edge.
func (s *Store) SaveDeployment(ctx context.Context, chainID int64, contract, deployer common.Address, funder *common.Address, funderIsExchange bool) error {
	var funderHex *string
	if funder != nil {
		hex := funder.Hex()
		funderHex = &hex
	}
	sql := `
		INSERT INTO contract_deployments (chain_id, contract, deployer, first_funder, funder_is_exchange)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (chain_id, contract) DO UPDATE SET
			deployer = EXCLUDED.deployer,
			first_funder = COALESCE(EXCLUDED.first_funder, contract_deployments.first_funder),
			funder_is_exchange = EXCLUDED.funder_is_exchange;
	`
	_, err := s.pool.Exec(ctx, sql, chainID, contract.Hex(), deployer.Hex(), funderHex, funderIsExchange)
	return err
}

// Deployment is one row of the deployer graph.
type Deployment struct {
	ChainID          int64
	Contract         common.Address
	Deployer         common.Address
	FirstFunder      *common.Address
	FunderIsExchange bool
	IndexedAt        time.Time
}

// DeploymentFor returns the graph row for one contract, or (nil, nil) when
// the indexer has not reached it yet.
func (s *Store) DeploymentFor(ctx context.Context, chainID int64, contract common.Address) (*Deployment, error) {
	sql := `
		SELECT chain_id, contract, deployer, first_funder, funder_is_exchange, indexed_at
		FROM contract_deployments
		WHERE chain_id = $1 AND contract = $2;
	`
	row := s.pool.QueryRow(ctx, sql, chainID, contract.Hex())
	dep, err := scanDeployment(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return dep, nil
}

// ContractsByDeployer lists everything one deployer address has deployed,
// across all chains.
func (s *Store) ContractsByDeployer(ctx context.Context, deployer common.Address) ([]Deployment, error) {
	sql := `
		SELECT chain_id, contract, deployer, first_funder, funder_is_exchange, indexed_at
		FROM contract_deployments
		WHERE deployer = $1
		ORDER BY indexed_at;
	`
	return s.queryDeployments(ctx, sql, deployer.Hex())
}

// DeploymentsByFunder lists deployments whose deployer was first funded by
// the given address. Exchange-funded rows are excluded; a shared exchange
// hot wallet links unrelated deployers.
func (s *Store) DeploymentsByFunder(ctx context.Context, funder common.Address) ([]Deployment, error) {
	sql := `
		SELECT chain_id, contract, deployer, first_funder, funder_is_exchange, indexed_at
		FROM contract_deployments
		WHERE first_funder = $1 AND NOT funder_is_exchange
		ORDER BY indexed_at;
	`
	return s.queryDeployments(ctx, sql, funder.Hex())
}

func (s *Store) queryDeployments(ctx context.Context, sql string, args ...any) ([]Deployment, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Deployment, 0)
	for rows.Next() {
		dep, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *dep)
	}
	return out, rows.Err()
}

func scanDeployment(row pgx.Row) (*Deployment, error) {
	var (
		dep      Deployment
		contract string
		deployer string
		funder   *string
	)
	if err := row.Scan(&dep.ChainID, &contract, &deployer, &funder, &dep.FunderIsExchange, &dep.IndexedAt); err != nil {
		return nil, err
	}
	dep.Contract = common.HexToAddress(contract)
	dep.Deployer = common.HexToAddress(deployer)
	if funder != nil {
		f := common.HexToAddress(*funder)
		dep.FirstFunder = &f
	}
	return &dep, nil
}

// ---- indexer backlog ----

// EnqueueBacklog queues an address for deployer indexing. Duplicate enqueues
// are no-ops.
func (s *Store) EnqueueBacklog(ctx context.Context, chainID int64, address common.Address) error {
	sql := `
		INSERT INTO indexer_backlog (chain_id, address)
		VALUES ($1, $2)
		ON CONFLICT (chain_id, address) DO NOTHING;
	`
	_, err := s.pool.Exec(ctx, sql, chainID, address.Hex())
	return err
}

// BacklogItem is one pending indexing task.
type BacklogItem struct {
	ChainID  int64
	Address  common.Address
	Attempts int
}

// ClaimBacklog pops up to limit of the oldest queue entries, bumping their
// attempt counter. Entries past maxAttempts are dropped.
func (s *Store) ClaimBacklog(ctx context.Context, limit, maxAttempts int) ([]BacklogItem, error) {
	if limit <= 0 {
		limit = 20
	}
	sql := `
		UPDATE indexer_backlog SET attempts = attempts + 1
		WHERE (chain_id, address) IN (
			SELECT chain_id, address FROM indexer_backlog
			WHERE attempts < $2
			ORDER BY enqueued_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING chain_id, address, attempts;
	`
	rows, err := s.pool.Query(ctx, sql, limit, maxAttempts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]BacklogItem, 0, limit)
	for rows.Next() {
		var it BacklogItem
		var addr string
		if err := rows.Scan(&it.ChainID, &addr, &it.Attempts); err != nil {
			return nil, err
		}
		it.Address = common.HexToAddress(addr)
		items = append(items, it)
	}
	return items, rows.Err()
}

// CompleteBacklog removes a finished (or poisoned) queue entry.
func (s *Store) CompleteBacklog(ctx context.Context, chainID int64, address common.Address) error {
	_, err := s.pool.Exec(ctx,
		"DELETE FROM indexer_backlog WHERE chain_id = $1 AND address = $2",
		chainID, address.Hex())
	return err
}

// ---- mempool alerts ----

// SaveAlert persists a detected in-flight attack pattern.
func (s *Store) SaveAlert(ctx context.Context, a models.MempoolAlert) error {
	sql := `
		INSERT INTO mempool_alerts (id, chain_id, kind, victim_tx, attacker, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING;
	`
	_, err := s.pool.Exec(ctx, sql, a.ID, a.ChainID, string(a.Kind), a.VictimTx.Hex(), a.Attacker.Hex(), a.DetectedAt)
	return err
}

// RecentAlerts returns alerts detected after the cutoff, newest first.
func (s *Store) RecentAlerts(ctx context.Context, chainID int64, since time.Time, limit int) ([]models.MempoolAlert, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	sql := `
		SELECT id, chain_id, kind, victim_tx, attacker, detected_at
		FROM mempool_alerts
		WHERE chain_id = $1 AND detected_at >= $2
		ORDER BY detected_at DESC
		LIMIT $3;
	`
	rows, err := s.pool.Query(ctx, sql, chainID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.MempoolAlert, 0)
	for rows.Next() {
		var (
			a        models.MempoolAlert
			kind     string
			victim   string
			attacker string
		)
		if err := rows.Scan(&a.ID, &a.ChainID, &kind, &victim, &attacker, &a.DetectedAt); err != nil {
			return nil, err
		}
		a.Kind = models.AlertKind(kind)
		a.VictimTx = common.HexToHash(victim)
		a.Attacker = common.HexToAddress(attacker)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- api keys ----

// SaveAPIKey stores the SHA-256 hash of a newly issued key.
func (s *Store) SaveAPIKey(ctx context.Context, keyHash, label, tier string) error {
	sql := `
		INSERT INTO api_keys (key_hash, label, tier)
		VALUES ($1, $2, $3);
	`
	_, err := s.pool.Exec(ctx, sql, keyHash, label, tier)
	return err
}

// LookupAPIKey resolves a presented key hash to its tier. Returns ok=false
// for unknown or revoked keys.
func (s *Store) LookupAPIKey(ctx context.Context, keyHash string) (tier string, ok bool, err error) {
	err = s.pool.QueryRow(ctx,
		"SELECT tier FROM api_keys WHERE key_hash = $1 AND NOT revoked",
		keyHash).Scan(&tier)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return tier, true, nil
}

// RevokeAPIKey marks a key unusable without deleting its audit row.
func (s *Store) RevokeAPIKey(ctx context.Context, keyHash string) error {
	_, err := s.pool.Exec(ctx, "UPDATE api_keys SET revoked = TRUE WHERE key_hash = $1", keyHash)
	return err
}
