// Package backup snapshots tenant compliance data into portable artifacts
// and restores them.
//
// A backup request is validated synchronously and persisted as a PENDING
// BackupRecord. A worker from the JobQueue then runs the pipeline:
//
//  1. DataSerializer exports the requested entities, file metadata and
//     tenant configuration through a DataAccessLayer
//  2. CompressionManager compresses the JSON document (none, gzip, zip,
//     zstd or lz4)
//  3. EncryptionCodec optionally seals it with AES-256-GCM under an
//     Argon2id-derived key
//  4. ChecksumVerifier digests the final bytes
//  5. a StorageBackend writes them (local disk, mirrored to S3, MinIO,
//     Azure Blob or GCS in production)
//
// The record ends COMPLETED with size and checksum, or FAILED with the
// error message. Callers observe progress through the returned JobHandle
// or by polling the record.
//
// Every caller-facing operation resolves the Actor to a Scope once and
// passes it down; Scope is the only place the tenant rule is evaluated.
//
// Example usage:
//
//	manager, err := backup.NewBackupManager(backup.Dependencies{
//		Config:     cfg,
//		Store:      backup.NewMemoryRecordStore(),
//		Storage:    storage,
//		DataAccess: backup.NewSQLDataAccessLayer(db, logger),
//	})
//	if err != nil {
//		return err
//	}
//	defer manager.Shutdown(ctx)
//
//	record, handle, err := manager.CreateBackup(ctx, "tenant-1", backup.CreateOptions{
//		Name:        "nightly",
//		IncludeData: true,
//		Compression: backup.CompressionTypeGzip,
//	}, actor)
//	if err != nil {
//		return err
//	}
//	<-handle.Done()
//	record, err = manager.GetBackup(ctx, record.ID, actor)
package backup
