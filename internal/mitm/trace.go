// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package mitm

import (
	"context"
	"time"
)

// Traffic kinds assigned by Classify.
const (
	KindLLM   = "llm"
	KindMCP   = "mcp"
	KindWeb   = "web"
	KindOther = "other"
)

// Trace is one captured flow. Request fields are written at flow start,
// response fields on completion. A flow that errors before any response
// completes with StatusCode 0 and ErrorMessage set.
type Trace struct {
	ID        uint      `gorm:"primarykey"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`

	TraceID string `gorm:"uniqueIndex;size:36"`
	Kind    string `gorm:"index;size:8"`

	Method string `gorm:"size:16"`
	URL    string
	Host   string `gorm:"index"`
	Path   string

	RequestHeaders     string
	RequestBody        []byte
	RequestBodySize    int
	RequestContentType string

	StatusCode          int `gorm:"index"`
	ResponseHeaders     string
	ResponseBody        []byte
	ResponseBodySize    int
	ResponseContentType string

	DurationMS   int64
	ErrorMessage string

	StartTime time.Time `gorm:"index"`
	EndTime   time.Time
}

// TraceStore persists captured traces. Implementations must tolerate
// CompleteTrace for a TraceID whose create failed.
type TraceStore interface {
	CreateTrace(ctx context.Context, t *Trace) error
	CompleteTrace(ctx context.Context, t *Trace) error
}
