package store

import (
	"context"
	"fmt"

	"github.com/swordintel/spectra/pkg/spectra/errs"
)

// IntegrityReport is the structured finding set returned by IntegrityCheck
// (§4.1). A non-empty Violations slice means the database failed the
// engine-level integrity check or one of the schema expectations.
type IntegrityReport struct {
	SchemaVersion     int
	ExpectedVersion   int
	ForeignKeysOK     bool
	EngineIntegrityOK bool
	MissingIndexes    []string
	Violations        []string
}

func (r IntegrityReport) Healthy() bool {
	return r.ForeignKeysOK && r.EngineIntegrityOK && len(r.MissingIndexes) == 0 && len(r.Violations) == 0
}

// requiredIndexes are the access patterns named in §4.4–§4.7 that must be
// backed by an index before those components start.
var requiredIndexes = []string{
	"idx_messages_entity_checksum",
	"idx_media_sha256",
	"idx_fingerprint_phash",
}

// IntegrityCheck verifies schema presence, foreign-key consistency, index
// presence, and engine-level integrity (PRAGMA integrity_check).
func (s *Store) IntegrityCheck(ctx context.Context) (IntegrityReport, error) {
	report := IntegrityReport{ExpectedVersion: schemaVersion}

	version, err := s.currentVersion()
	if err != nil {
		return report, errs.New(errs.Storage, "Store.IntegrityCheck", err)
	}
	report.SchemaVersion = version
	if version != schemaVersion {
		report.Violations = append(report.Violations, fmt.Sprintf("schema version %d does not match expected %d", version, schemaVersion))
	}

	rows, err := s.db.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return report, errs.New(errs.Storage, "Store.IntegrityCheck", err)
	}
	var fkViolationCount int
	for rows.Next() {
		fkViolationCount++
	}
	rows.Close()
	report.ForeignKeysOK = fkViolationCount == 0
	if !report.ForeignKeysOK {
		report.Violations = append(report.Violations, fmt.Sprintf("%d foreign key violations found", fkViolationCount))
	}

	var integrityResult string
	if err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&integrityResult); err != nil {
		return report, errs.New(errs.Storage, "Store.IntegrityCheck", err)
	}
	report.EngineIntegrityOK = integrityResult == "ok"
	if !report.EngineIntegrityOK {
		report.Violations = append(report.Violations, "engine integrity_check: "+integrityResult)
	}

	existing := make(map[string]bool)
	idxRows, err := s.db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type='index'")
	if err != nil {
		return report, errs.New(errs.Storage, "Store.IntegrityCheck", err)
	}
	for idxRows.Next() {
		var name string
		if err := idxRows.Scan(&name); err != nil {
			idxRows.Close()
			return report, errs.New(errs.Storage, "Store.IntegrityCheck", err)
		}
		existing[name] = true
	}
	idxRows.Close()

	for _, want := range requiredIndexes {
		if !existing[want] {
			report.MissingIndexes = append(report.MissingIndexes, want)
		}
	}

	return report, nil
}
