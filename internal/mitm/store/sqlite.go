// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package store persists captured traces in SQLite.
package store

import (
	"context"
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/yduwcui/ccproxy/internal/mitm"
)

// SQLiteStore is a TraceStore backed by a local SQLite file.
type SQLiteStore struct {
	db *gorm.DB
}

// Open opens (or creates) the trace database at path and migrates the schema.
func Open(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("open trace db %s: %w", path, err)
	}
	if err := db.AutoMigrate(&mitm.Trace{}); err != nil {
		return nil, fmt.Errorf("migrate trace schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// CreateTrace inserts the request half of a trace.
func (s *SQLiteStore) CreateTrace(ctx context.Context, t *mitm.Trace) error {
	return s.db.WithContext(ctx).Create(t).Error
}

// CompleteTrace fills in the response half. Completing a trace whose create
// failed is a silent no-op.
func (s *SQLiteStore) CompleteTrace(ctx context.Context, t *mitm.Trace) error {
	return s.db.WithContext(ctx).
		Model(&mitm.Trace{}).
		Where("trace_id = ?", t.TraceID).
		Updates(map[string]any{
			"status_code":           t.StatusCode,
			"response_headers":      t.ResponseHeaders,
			"response_body":         t.ResponseBody,
			"response_body_size":    t.ResponseBodySize,
			"response_content_type": t.ResponseContentType,
			"duration_ms":           t.DurationMS,
			"error_message":         t.ErrorMessage,
			"end_time":              t.EndTime,
		}).Error
}

// TraceByID loads one trace by its flow id.
func (s *SQLiteStore) TraceByID(ctx context.Context, traceID string) (*mitm.Trace, error) {
	var t mitm.Trace
	if err := s.db.WithContext(ctx).Where("trace_id = ?", traceID).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// RecentTraces returns the newest traces, most recent first.
func (s *SQLiteStore) RecentTraces(ctx context.Context, limit int) ([]mitm.Trace, error) {
	var out []mitm.Trace
	err := s.db.WithContext(ctx).
		Order("start_time desc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
