// Package ledger provides BoltDB-backed audit and baseline storage for
// OCTOREFLEX's DETECTOR pipeline — a secondary store alongside U-WRITER's
// SQLite event archive, used for the small, structured records ANOMALY and
// ESCALATION need fast key lookups on (per-binary statistical baselines)
// or strict append-order durability for (state-transition audit entries).
//
// Schema (BoltDB bucket layout):
//
//	/baselines
//	    key:   sha256(binary_path)  [32 bytes hex-encoded = 64 chars]
//	    value: JSON-encoded BaselineRecord
//
//	/ledger
//	    key:   RFC3339 timestamp with fixed 9-digit nanoseconds + "_" + pid  [sortable]
//	    value: JSON-encoded LedgerEntry
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model:
//   - Single-process, single-writer (BoltDB does not support concurrent writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//   - CRC32 integrity check on database open (bbolt built-in).
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// DefaultRetentionDays is the default ledger retention period.
	DefaultRetentionDays = 30

	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	bucketBaselines = "baselines"
	bucketLedger    = "ledger"
	bucketMeta      = "meta"
)

// BaselineRecord is the persisted form of a monitored binary's statistical
// baseline, as maintained by ANOMALY.
type BaselineRecord struct {
	// BinaryPath is the absolute path of the monitored binary.
	BinaryPath string `json:"binary_path"`

	// BinaryHash is sha256(binary_path) used as the BoltDB key.
	BinaryHash string `json:"binary_hash"`

	// MeanVector is the per-feature mean computed from training samples.
	MeanVector []float64 `json:"mean_vector"`

	// CovarianceMatrix is the n×n sample covariance matrix.
	CovarianceMatrix [][]float64 `json:"covariance_matrix"`

	// BaselineEntropy is the Shannon entropy of the baseline event
	// distribution.
	BaselineEntropy float64 `json:"baseline_entropy"`

	// SampleCount is the number of samples used to compute this baseline.
	SampleCount int `json:"sample_count"`

	// UpdatedAt is the timestamp of the last baseline update.
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerEntry is a single audit record of an ESCALATION state transition.
type LedgerEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	SensorGUID string    `json:"sensor_guid"`
	PID        uint32    `json:"pid"`
	ImagePath  string    `json:"image_path"`
	StateFrom  uint8     `json:"state_from"`
	StateTo    uint8     `json:"state_to"`
	Severity   float64   `json:"severity"`

	// AnomalyScore is ANOMALY's A value at the time of the transition.
	AnomalyScore float64 `json:"anomaly_score"`

	// Pressure is the EWMA pressure value at the time of the transition.
	Pressure float64 `json:"pressure"`

	// BudgetRemaining is the token bucket level at the time of the action.
	BudgetRemaining int `json:"budget_remaining"`
}

// Ledger wraps a BoltDB instance with typed accessors for baselines and
// audit entries.
type Ledger struct {
	db            *bolt.DB
	retentionDays int
}

// Open opens (or creates) the BoltDB database at path, initializing the
// bucket layout and checking schema compatibility.
func Open(path string, retentionDays int) (*Ledger, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	l := &Ledger{db: bdb, retentionDays: retentionDays}

	if err := l.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketBaselines, bucketLedger, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("ledger initialisation failed: %w", err)
	}

	if err := l.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return l, nil
}

func (l *Ledger) checkSchemaVersion() error {
	return l.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf("schema version mismatch: ledger has %q, agent requires %q", string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func binaryKey(binaryPath string) []byte {
	h := sha256.Sum256([]byte(binaryPath))
	key := make([]byte, hex.EncodedLen(len(h)))
	hex.Encode(key, h[:])
	return key
}

// PutBaseline writes or updates a baseline record for a binary path.
func (l *Ledger) PutBaseline(rec BaselineRecord) error {
	rec.BinaryHash = string(binaryKey(rec.BinaryPath))
	rec.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("PutBaseline marshal: %w", err)
	}

	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketBaselines))
		return b.Put([]byte(rec.BinaryHash), data)
	})
}

// GetBaseline retrieves the baseline record for a binary path. Returns
// (nil, nil) if no baseline exists for this binary — ANOMALY treats that
// as "no prior training data" rather than an error.
func (l *Ledger) GetBaseline(binaryPath string) (*BaselineRecord, error) {
	key := binaryKey(binaryPath)
	var rec BaselineRecord
	found := false

	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketBaselines))
		data := b.Get(key)
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("GetBaseline(%q): %w", binaryPath, err)
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

func ledgerKey(t time.Time, pid uint32) []byte {
	// Fixed-width nanoseconds: RFC3339Nano trims trailing zeros, which
	// would break the lexical = chronological ordering of keys.
	return []byte(fmt.Sprintf("%s_%010d", t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), pid))
}

// AppendLedger writes a new audit ledger entry.
func (l *Ledger) AppendLedger(entry LedgerEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("AppendLedger marshal: %w", err)
	}

	key := ledgerKey(entry.Timestamp, entry.PID)

	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		return b.Put(key, data)
	})
}

// PruneOldLedgerEntries deletes ledger entries older than retentionDays,
// returning the number deleted.
func (l *Ledger) PruneOldLedgerEntries() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -l.retentionDays)
	cutoffKey := ledgerKey(cutoff, 0)

	var deleted int
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}

		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("PruneOldLedgerEntries delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// ReadLedger returns all ledger entries in chronological order. For
// operational inspection; not called on the hot path.
func (l *Ledger) ReadLedger() ([]LedgerEntry, error) {
	var entries []LedgerEntry
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		return b.ForEach(func(_, v []byte) error {
			var entry LedgerEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}
