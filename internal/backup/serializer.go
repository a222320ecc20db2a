package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"compliance-backup/internal/logging"
)

// DataSerializer turns a tenant's data into a Snapshot document
type DataSerializer struct {
	dal      DataAccessLayer
	entities []string
	logger   *logging.Logger
}

// NewDataSerializer creates a serializer. With no entities the defaults apply.
func NewDataSerializer(dal DataAccessLayer, entities []string, logger *logging.Logger) *DataSerializer {
	if len(entities) == 0 {
		entities = DefaultEntities
	}
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &DataSerializer{
		dal:      dal,
		entities: append([]string(nil), entities...),
		logger:   logger,
	}
}

// Entities returns the entity names exported when a request names none
func (s *DataSerializer) Entities() []string {
	return append([]string(nil), s.entities...)
}

// Supports reports whether entity is in the configured set
func (s *DataSerializer) Supports(entity string) bool {
	for _, e := range s.entities {
		if e == entity {
			return true
		}
	}
	return false
}

// Snapshot collects the scope described by opts. A failing entity fetch
// degrades to an empty collection and is listed in the metadata warnings;
// file and config failures abort.
func (s *DataSerializer) Snapshot(ctx context.Context, scope Scope, opts CreateOptions, now time.Time) (*Snapshot, error) {
	window := DateRange{From: opts.DateFrom, To: opts.DateTo}
	snapshot := &Snapshot{
		Metadata: SnapshotMetadata{
			Version:   SnapshotFormatVersion,
			CreatedAt: now.UTC(),
			TenantID:  scope.TenantID,
			Options: SnapshotOptions{
				IncludeData:   opts.IncludeData,
				IncludeFiles:  opts.IncludeFiles,
				IncludeConfig: opts.IncludeConfig,
				Entities:      opts.Entities,
				DateFrom:      opts.DateFrom,
				DateTo:        opts.DateTo,
			},
		},
	}

	if opts.IncludeData {
		entities := opts.Entities
		if len(entities) == 0 {
			entities = s.entities
		}
		snapshot.Data = make(map[string][]Entity, len(entities))
		for _, entity := range entities {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			rows, err := s.dal.FetchEntities(ctx, scope, entity, window)
			if err != nil {
				s.logger.WithFields(map[string]interface{}{
					"tenant_id": scope.TenantID,
					"entity":    entity,
					"error":     err.Error(),
				}).Warn("Entity export failed, continuing with an empty collection")
				snapshot.Metadata.Warnings = append(snapshot.Metadata.Warnings,
					fmt.Sprintf("%s: %v", entity, err))
				rows = []Entity{}
			}
			if rows == nil {
				rows = []Entity{}
			}
			snapshot.Data[entity] = rows
		}
	}

	if opts.IncludeFiles {
		files, err := s.dal.FetchFileRecords(ctx, scope, window)
		if err != nil {
			return nil, NewInternalError("failed to export file records", err)
		}
		if files == nil {
			files = []FileRecord{}
		}
		snapshot.Files = files
	}

	if opts.IncludeConfig {
		cfg, err := s.dal.FetchTenantConfig(ctx, scope)
		if err != nil {
			return nil, NewInternalError("failed to export tenant configuration", err)
		}
		snapshot.Config = cfg
	}

	return snapshot, nil
}

// Marshal encodes a snapshot as the artifact document
func (s *DataSerializer) Marshal(snapshot *Snapshot) ([]byte, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, NewInternalError("failed to encode snapshot", err)
	}
	return data, nil
}

// ParseSnapshot decodes an artifact document
func ParseSnapshot(data []byte) (*Snapshot, error) {
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, NewCorruptionError("backup document is not valid JSON", err)
	}
	return &snapshot, nil
}

// ValidateStructure checks that a parsed document carries a version and
// at least one non-empty section
func (s *Snapshot) ValidateStructure() error {
	if s.Metadata.Version == "" {
		return NewValidationError("Invalid backup format: missing metadata version", nil)
	}
	if len(s.Data) == 0 && len(s.Files) == 0 && s.Config == nil {
		return NewValidationError("Invalid backup format: no data, files or config", nil)
	}
	return nil
}

// Narrow drops entities not named in entities and rows outside window
func (s *Snapshot) Narrow(entities []string, window DateRange) {
	if len(entities) > 0 && s.Data != nil {
		keep := make(map[string]bool, len(entities))
		for _, e := range entities {
			keep[e] = true
		}
		for name := range s.Data {
			if !keep[name] {
				delete(s.Data, name)
			}
		}
	}

	if window.IsZero() {
		return
	}
	for name, rows := range s.Data {
		kept := rows[:0]
		for _, row := range rows {
			if t, ok := row.CreatedAt(); !ok || window.Contains(t) {
				kept = append(kept, row)
			}
		}
		s.Data[name] = kept
	}
	files := s.Files[:0]
	for _, f := range s.Files {
		if window.Contains(f.CreatedAt) {
			files = append(files, f)
		}
	}
	s.Files = files
}

// EntityCounts returns the number of rows per entity
func (s *Snapshot) EntityCounts() map[string]int {
	counts := make(map[string]int, len(s.Data))
	for name, rows := range s.Data {
		counts[name] = len(rows)
	}
	return counts
}

// CreatedAt returns the row's creation time when it carries one
func (e Entity) CreatedAt() (time.Time, bool) {
	for _, key := range []string{"created_at", "createdAt"} {
		switch v := e[key].(type) {
		case time.Time:
			return v, true
		case string:
			for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999", "2006-01-02 15:04:05"} {
				if t, err := time.Parse(layout, v); err == nil {
					return t, true
				}
			}
		}
	}
	return time.Time{}, false
}
