package notify

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rs/zerolog/log"

	"github.com/vaultize/alert-engine/internal/alertmodel"
	"github.com/vaultize/alert-engine/internal/utils"
)

// DeliveryLog durably records every failed webhook delivery attempt, so
// the audit trail of failures survives a process restart. Deliveries
// that fail permanently land in the dead_letter table, inspectable
// through the management API. A successful delivery leaves no row.
type DeliveryLog struct {
	db     *sql.DB
	dbPath string

	mu sync.Mutex
}

// NewDeliveryLog opens (creating if necessary) the sqlite-backed delivery
// log under dataDir/notify/delivery_log.db.
func NewDeliveryLog(dataDir string) (*DeliveryLog, error) {
	if dataDir == "" {
		dataDir = utils.GetDataDir()
	}
	dir := filepath.Join(dataDir, "notify")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("delivery log: %w", err)
	}

	dbPath := filepath.Join(dir, "delivery_log.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("delivery log: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	dl := &DeliveryLog{db: db, dbPath: dbPath}
	if err := dl.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return dl, nil
}

func (dl *DeliveryLog) migrate() error {
	_, err := dl.db.Exec(`
		CREATE TABLE IF NOT EXISTS delivery_attempts (
			id TEXT NOT NULL,
			rule_name TEXT NOT NULL,
			url TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			status_code INTEGER,
			error TEXT,
			created_at DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS dead_letter (
			id TEXT PRIMARY KEY,
			rule_name TEXT NOT NULL,
			url TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			last_error TEXT,
			failed_at DATETIME NOT NULL
		);
	`)
	return err
}

// Close releases the underlying database handle.
func (dl *DeliveryLog) Close() error {
	return dl.db.Close()
}

// begin returns a fresh id for a new delivery; it writes nothing.
func (dl *DeliveryLog) begin(ruleName, url string) string {
	return utils.GenerateID("delivery")
}

// recordAttempt appends one failed attempt row for a delivery.
func (dl *DeliveryLog) recordAttempt(id, ruleName, url string, attempt, statusCode int, errMsg string) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	_, err := dl.db.Exec(
		`INSERT INTO delivery_attempts (id, rule_name, url, attempt, status_code, error, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, ruleName, url, attempt, statusCode, errMsg, time.Now().UTC(),
	)
	if err != nil {
		log.Warn().Err(err).Msg("failed to record delivery attempt")
	}
}

// recordFinal handles the terminal outcome of a delivery. If it failed
// permanently (permanentlyFailed=true), the delivery is written to the
// dead-letter table; otherwise nothing is recorded.
func (dl *DeliveryLog) recordFinal(id, ruleName string, outcome alertmodel.ActionOutcome, permanentlyFailed bool) {
	if !permanentlyFailed {
		return
	}
	dl.mu.Lock()
	defer dl.mu.Unlock()
	_, err := dl.db.Exec(
		`INSERT OR REPLACE INTO dead_letter (id, rule_name, url, attempts, last_error, failed_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, ruleName, outcome.URL, outcome.Attempts, outcome.Error, time.Now().UTC(),
	)
	if err != nil {
		log.Warn().Err(err).Msg("failed to record dead-lettered delivery")
	}
}

// DeadLetterEntry is one permanently-failed delivery, as returned to the
// management API's deadletter inspection endpoint.
type DeadLetterEntry struct {
	ID        string    `json:"id"`
	RuleName  string    `json:"ruleName"`
	URL       string    `json:"url"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError"`
	FailedAt  time.Time `json:"failedAt"`
}

// ListDeadLetters returns the most recent dead-lettered deliveries,
// newest first, bounded by limit.
func (dl *DeliveryLog) ListDeadLetters(limit int) ([]DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := dl.db.Query(
		`SELECT id, rule_name, url, attempts, last_error, failed_at FROM dead_letter ORDER BY failed_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeadLetterEntry
	for rows.Next() {
		var e DeadLetterEntry
		if err := rows.Scan(&e.ID, &e.RuleName, &e.URL, &e.Attempts, &e.LastError, &e.FailedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
