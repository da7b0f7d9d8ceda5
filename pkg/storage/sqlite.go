package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cuemby/formicaio/pkg/ferrors"
	"github.com/cuemby/formicaio/pkg/types"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store on a single embedded sqlite file, using
// database/sql over modernc.org/sqlite with WAL pragmas set in the DSN.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the store file under dataDir and runs
// the migration chain. Migration failure is fatal.
func Open(dataDir string) (*SQLiteStore, error) {
	path := filepath.Join(dataDir, "formicaio.sqlite")
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &ferrors.StorageError{Op: "open", Err: err}
	}
	db.SetMaxOpenConns(1) // single-writer file; serializes all writes through one connection

	if err := db.Ping(); err != nil {
		return nil, &ferrors.StorageError{Op: "ping", Err: fmt.Errorf("%w: %v", ferrors.ErrCorrupt, err)}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.ensureSettingsRow(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMemory opens an in-memory store for tests.
func OpenMemory() (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, &ferrors.StorageError{Op: "open", Err: err}
	}
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.ensureSettingsRow(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// migrate applies every embedded migration in lexicographic order inside
// its own transaction, skipping versions already recorded in
// schema_migrations. Re-running this on an already-migrated file is a
// no-op.
func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at INTEGER NOT NULL)`); err != nil {
		return &ferrors.StorageError{Op: "migrate: bookkeeping table", Err: err}
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return &ferrors.StorageError{Op: "migrate: read migrations", Err: err}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var applied int
		row := s.db.QueryRow(`SELECT COUNT(1) FROM schema_migrations WHERE version = ?`, name)
		if err := row.Scan(&applied); err != nil {
			return &ferrors.StorageError{Op: "migrate: check " + name, Err: err}
		}
		if applied > 0 {
			continue
		}

		body, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return &ferrors.StorageError{Op: "migrate: read " + name, Err: err}
		}

		tx, err := s.db.Begin()
		if err != nil {
			return &ferrors.StorageError{Op: "migrate: begin " + name, Err: err}
		}
		if _, err := tx.Exec(string(body)); err != nil {
			tx.Rollback()
			return &ferrors.StorageError{Op: "migrate: apply " + name, Err: err}
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations(version, applied_at) VALUES (?, strftime('%s','now'))`, name); err != nil {
			tx.Rollback()
			return &ferrors.StorageError{Op: "migrate: record " + name, Err: err}
		}
		if err := tx.Commit(); err != nil {
			return &ferrors.StorageError{Op: "migrate: commit " + name, Err: err}
		}
	}
	return nil
}

func (s *SQLiteStore) ensureSettingsRow() error {
	d := types.DefaultSettings()
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO settings (
			id, nodes_auto_upgrade, nodes_auto_upgrade_delay_secs,
			node_bin_version_polling_freq_secs, rewards_balances_retrieval_freq_secs,
			nodes_metrics_polling_freq_secs, disks_usage_check_freq_secs,
			autonomous_check_interval_secs, l2_rpc_url, token_contract_address,
			lcd_enabled, lcd_device, lcd_address, ui_page_size, ui_list_mode,
			metrics_max_age_secs, metrics_max_count
		) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.NodesAutoUpgrade, d.NodesAutoUpgradeDelaySecs,
		d.NodeBinVersionPollingFreqSecs, d.RewardsBalancesFreqSecs,
		d.NodesMetricsPollingFreqSecs, d.DisksUsageCheckFreqSecs,
		d.AutonomousCheckIntervalSecs, d.L2RPCURL, d.TokenContractAddr,
		d.LCDEnabled, d.LCDDevice, d.LCDAddr, d.UIPageSize, d.UIListMode,
		d.MetricsMaxAgeSecs, d.MetricsMaxCount,
	)
	if err != nil {
		return &ferrors.StorageError{Op: "ensure settings row", Err: err}
	}
	return nil
}

// UpsertNode inserts or fully replaces a node record.
func (s *SQLiteStore) UpsertNode(n *types.Node) error {
	_, err := s.db.Exec(`
		INSERT INTO nodes (
			node_id, pid, created_at, status_changed_at, peer_id, bin_version,
			port, metrics_port, node_ip, rewards_addr, home_network, upnp,
			reachability_check, node_logs, network, rewards, balance, records,
			relevant_records, connected_peers, connected_relay_clients,
			kbuckets_peers, shunned_count, estimated_network_size, mem_used,
			cpu_usage, ips, disk_usage,
			status, inactive_reason, status_info, is_status_locked,
			is_status_unknown, backend, container_id
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(node_id) DO UPDATE SET
			pid=excluded.pid, status_changed_at=excluded.status_changed_at,
			peer_id=excluded.peer_id, bin_version=excluded.bin_version,
			rewards_addr=excluded.rewards_addr, home_network=excluded.home_network,
			upnp=excluded.upnp, reachability_check=excluded.reachability_check,
			node_logs=excluded.node_logs, network=excluded.network,
			rewards=excluded.rewards, balance=excluded.balance,
			records=excluded.records, relevant_records=excluded.relevant_records,
			connected_peers=excluded.connected_peers,
			connected_relay_clients=excluded.connected_relay_clients,
			kbuckets_peers=excluded.kbuckets_peers, shunned_count=excluded.shunned_count,
			estimated_network_size=excluded.estimated_network_size,
			mem_used=excluded.mem_used, cpu_usage=excluded.cpu_usage,
			ips=excluded.ips, disk_usage=excluded.disk_usage,
			status=excluded.status, inactive_reason=excluded.inactive_reason,
			status_info=excluded.status_info, is_status_locked=excluded.is_status_locked,
			is_status_unknown=excluded.is_status_unknown, backend=excluded.backend,
			container_id=excluded.container_id`,
		n.NodeID, n.PID, n.CreatedAt.UnixMilli(), n.StatusAt.UnixMilli(), n.PeerID, n.BinVersion,
		n.Port, n.MetricsPort, n.NodeIP, n.RewardsAddr, n.HomeNetwork, n.UPnP,
		n.ReachCheck, n.NodeLogs, n.Network, n.Rewards, n.Balance, n.Records,
		n.RelevantRecords, n.ConnectedPeers, n.ConnectedRelayClients,
		n.KBucketsPeers, n.ShunnedCount, n.EstimatedNetworkSize, n.MemUsed, n.CPUUsage, n.IPs, n.DiskUsage,
		string(n.Status), string(n.InactiveReason), n.StatusInfo, n.IsStatusLocked,
		n.IsStatusUnknown, string(n.Backend), n.ContainerID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &ferrors.ConflictError{Msg: fmt.Sprintf("port/metrics_port/node_ip already in use: %v", err)}
		}
		return &ferrors.StorageError{Op: "upsert node " + n.NodeID, Err: err}
	}
	return nil
}

func (s *SQLiteStore) DeleteNode(nodeID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return &ferrors.StorageError{Op: "delete node begin", Err: err}
	}
	if _, err := tx.Exec(`DELETE FROM nodes WHERE node_id = ?`, nodeID); err != nil {
		tx.Rollback()
		return &ferrors.StorageError{Op: "delete node " + nodeID, Err: err}
	}
	if _, err := tx.Exec(`DELETE FROM nodes_metrics WHERE node_id = ?`, nodeID); err != nil {
		tx.Rollback()
		return &ferrors.StorageError{Op: "delete node metrics " + nodeID, Err: err}
	}
	return tx.Commit()
}

func scanNode(row interface {
	Scan(dest ...any) error
}) (*types.Node, error) {
	var n types.Node
	var createdAt, statusAt int64
	var status, reason, backend string
	if err := row.Scan(
		&n.NodeID, &n.PID, &createdAt, &statusAt, &n.PeerID, &n.BinVersion,
		&n.Port, &n.MetricsPort, &n.NodeIP, &n.RewardsAddr, &n.HomeNetwork, &n.UPnP,
		&n.ReachCheck, &n.NodeLogs, &n.Network, &n.Rewards, &n.Balance, &n.Records,
		&n.RelevantRecords, &n.ConnectedPeers, &n.ConnectedRelayClients,
		&n.KBucketsPeers, &n.ShunnedCount, &n.EstimatedNetworkSize, &n.MemUsed, &n.CPUUsage, &n.IPs, &n.DiskUsage,
		&status, &reason, &n.StatusInfo, &n.IsStatusLocked,
		&n.IsStatusUnknown, &backend, &n.ContainerID,
	); err != nil {
		return nil, err
	}
	n.CreatedAt = msToTime(createdAt)
	n.StatusAt = msToTime(statusAt)
	n.Status = types.Status(status)
	n.InactiveReason = types.InactiveReason(reason)
	n.Backend = types.Backend(backend)
	applyLegacyStatusRule(&n)
	return &n, nil
}

const nodeColumns = `
	node_id, pid, created_at, status_changed_at, peer_id, bin_version,
	port, metrics_port, node_ip, rewards_addr, home_network, upnp,
	reachability_check, node_logs, network, rewards, balance, records,
	relevant_records, connected_peers, connected_relay_clients,
	kbuckets_peers, shunned_count, estimated_network_size, mem_used, cpu_usage, ips, disk_usage,
	status, inactive_reason, status_info, is_status_locked,
	is_status_unknown, backend, container_id`

func (s *SQLiteStore) GetNode(nodeID string) (*types.Node, error) {
	row := s.db.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE node_id = ?`, nodeID)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, &ferrors.NotFoundError{NodeID: nodeID}
	}
	if err != nil {
		return nil, &ferrors.StorageError{Op: "get node " + nodeID, Err: err}
	}
	return n, nil
}

func (s *SQLiteStore) ListNodes() ([]*types.Node, error) {
	rows, err := s.db.Query(`SELECT ` + nodeColumns + ` FROM nodes ORDER BY created_at ASC`)
	if err != nil {
		return nil, &ferrors.StorageError{Op: "list nodes", Err: err}
	}
	defer rows.Close()

	var out []*types.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, &ferrors.StorageError{Op: "scan node", Err: err}
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// applyLegacyStatusRule reinterprets a loaded record's on-disk status: a
// persisted status="Active" with is_status_locked=1 means "a locked
// mutation whose eventual target is Active" and is reported as
// Restarting. Any other persisted status that is not "Active" and not
// already one of the known in-flight states is demoted to
// Inactive(Stopped) so the supervisor never claims liveness it hasn't
// re-verified.
func applyLegacyStatusRule(n *types.Node) {
	if n.Status == types.StatusActive && n.IsStatusLocked {
		n.Status = types.StatusRestarting
		return
	}
	switch n.Status {
	case types.StatusActive, types.StatusCreating, types.StatusRestarting, types.StatusInactive, types.StatusRemoving:
		return
	default:
		n.Status = types.StatusInactive
		n.InactiveReason = types.InactiveStopped
	}
}

func (s *SQLiteStore) AppendMetric(m types.MetricSample) error {
	_, err := s.db.Exec(`INSERT INTO nodes_metrics (node_id, time_ms, key, value) VALUES (?,?,?,?)`,
		m.NodeID, m.TimeMs, m.Key, m.Value)
	if err != nil {
		return &ferrors.StorageError{Op: "append metric", Err: err}
	}
	return nil
}

// TrimMetrics purges samples older than maxAge seconds and, if the node
// still has more than maxCount rows, purges the oldest excess too: the
// metrics table is an append-only ring capped by both age and per-node
// count, with the oldest rows purged on insert.
func (s *SQLiteStore) TrimMetrics(nodeID string, maxAgeSecs int, maxCount int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return &ferrors.StorageError{Op: "trim metrics begin", Err: err}
	}
	if maxAgeSecs > 0 {
		cutoff := nowMs() - int64(maxAgeSecs)*1000
		if _, err := tx.Exec(`DELETE FROM nodes_metrics WHERE node_id = ? AND time_ms < ?`, nodeID, cutoff); err != nil {
			tx.Rollback()
			return &ferrors.StorageError{Op: "trim metrics by age", Err: err}
		}
	}
	if maxCount > 0 {
		_, err := tx.Exec(`
			DELETE FROM nodes_metrics WHERE node_id = ? AND rowid IN (
				SELECT rowid FROM nodes_metrics WHERE node_id = ?
				ORDER BY time_ms DESC LIMIT -1 OFFSET ?
			)`, nodeID, nodeID, maxCount)
		if err != nil {
			tx.Rollback()
			return &ferrors.StorageError{Op: "trim metrics by count", Err: err}
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) QueryMetrics(nodeID string, sinceMs int64) ([]types.MetricSample, error) {
	rows, err := s.db.Query(`
		SELECT node_id, time_ms, key, value FROM nodes_metrics
		WHERE node_id = ? AND time_ms >= ? ORDER BY time_ms ASC`, nodeID, sinceMs)
	if err != nil {
		return nil, &ferrors.StorageError{Op: "query metrics", Err: err}
	}
	defer rows.Close()

	var out []types.MetricSample
	for rows.Next() {
		var m types.MetricSample
		if err := rows.Scan(&m.NodeID, &m.TimeMs, &m.Key, &m.Value); err != nil {
			return nil, &ferrors.StorageError{Op: "scan metric", Err: err}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AppendEarning inserts a new earnings row, ignoring duplicates on
// (address, block_number) so a reorg re-reporting the same block cannot
// double-count.
func (s *SQLiteStore) AppendEarning(e types.Earning) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO earnings (address, amount, block_number, time_ms) VALUES (?,?,?,?)`,
		e.Address, e.Amount, e.BlockNumber, e.TimeMs)
	if err != nil {
		return &ferrors.StorageError{Op: "append earning", Err: err}
	}
	return nil
}

func (s *SQLiteStore) ListEarnings(address string) ([]types.Earning, error) {
	rows, err := s.db.Query(`SELECT address, amount, block_number, time_ms FROM earnings WHERE address = ? ORDER BY block_number ASC`, address)
	if err != nil {
		return nil, &ferrors.StorageError{Op: "list earnings", Err: err}
	}
	defer rows.Close()

	var out []types.Earning
	for rows.Next() {
		var e types.Earning
		if err := rows.Scan(&e.Address, &e.Amount, &e.BlockNumber, &e.TimeMs); err != nil {
			return nil, &ferrors.StorageError{Op: "scan earning", Err: err}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetSettings() (types.Settings, error) {
	var set types.Settings
	row := s.db.QueryRow(`SELECT
		nodes_auto_upgrade, nodes_auto_upgrade_delay_secs,
		node_bin_version_polling_freq_secs, rewards_balances_retrieval_freq_secs,
		nodes_metrics_polling_freq_secs, disks_usage_check_freq_secs,
		autonomous_check_interval_secs, l2_rpc_url, token_contract_address,
		lcd_enabled, lcd_device, lcd_address, ui_page_size, ui_list_mode,
		metrics_max_age_secs, metrics_max_count
		FROM settings WHERE id = 1`)
	err := row.Scan(
		&set.NodesAutoUpgrade, &set.NodesAutoUpgradeDelaySecs,
		&set.NodeBinVersionPollingFreqSecs, &set.RewardsBalancesFreqSecs,
		&set.NodesMetricsPollingFreqSecs, &set.DisksUsageCheckFreqSecs,
		&set.AutonomousCheckIntervalSecs, &set.L2RPCURL, &set.TokenContractAddr,
		&set.LCDEnabled, &set.LCDDevice, &set.LCDAddr, &set.UIPageSize, &set.UIListMode,
		&set.MetricsMaxAgeSecs, &set.MetricsMaxCount,
	)
	if err != nil {
		return types.Settings{}, &ferrors.StorageError{Op: "get settings", Err: err}
	}
	return set, nil
}

func (s *SQLiteStore) UpdateSettings(set types.Settings) error {
	_, err := s.db.Exec(`UPDATE settings SET
		nodes_auto_upgrade=?, nodes_auto_upgrade_delay_secs=?,
		node_bin_version_polling_freq_secs=?, rewards_balances_retrieval_freq_secs=?,
		nodes_metrics_polling_freq_secs=?, disks_usage_check_freq_secs=?,
		autonomous_check_interval_secs=?, l2_rpc_url=?, token_contract_address=?,
		lcd_enabled=?, lcd_device=?, lcd_address=?, ui_page_size=?, ui_list_mode=?,
		metrics_max_age_secs=?, metrics_max_count=?
		WHERE id = 1`,
		set.NodesAutoUpgrade, set.NodesAutoUpgradeDelaySecs,
		set.NodeBinVersionPollingFreqSecs, set.RewardsBalancesFreqSecs,
		set.NodesMetricsPollingFreqSecs, set.DisksUsageCheckFreqSecs,
		set.AutonomousCheckIntervalSecs, set.L2RPCURL, set.TokenContractAddr,
		set.LCDEnabled, set.LCDDevice, set.LCDAddr, set.UIPageSize, set.UIListMode,
		set.MetricsMaxAgeSecs, set.MetricsMaxCount,
	)
	if err != nil {
		return &ferrors.StorageError{Op: "update settings", Err: err}
	}
	return nil
}

func (s *SQLiteStore) AppendAgentEvent(e types.AgentEvent) error {
	_, err := s.db.Exec(`INSERT INTO agent_events (time_ms, kind, node_id, message, payload) VALUES (?,?,?,?,?)`,
		e.TimeMs, e.Kind, e.NodeID, e.Message, e.Payload)
	if err != nil {
		return &ferrors.StorageError{Op: "append agent event", Err: err}
	}
	return nil
}

func (s *SQLiteStore) ListAgentEvents(limit int) ([]types.AgentEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT id, time_ms, kind, node_id, message, payload FROM agent_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, &ferrors.StorageError{Op: "list agent events", Err: err}
	}
	defer rows.Close()

	var out []types.AgentEvent
	for rows.Next() {
		var e types.AgentEvent
		if err := rows.Scan(&e.ID, &e.TimeMs, &e.Kind, &e.NodeID, &e.Message, &e.Payload); err != nil {
			return nil, &ferrors.StorageError{Op: "scan agent event", Err: err}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
