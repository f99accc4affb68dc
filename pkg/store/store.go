// Copyright 2025 Peercall Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store persists call bookkeeping records. The row store is an
// external collaborator; only the shapes below matter to the call engine.
package store

import (
	"context"
	"time"
)

type ActiveStatus string

const (
	ActivePending  ActiveStatus = "pending"
	ActiveAccepted ActiveStatus = "accepted"
)

// ActiveCall marks an in-progress call attempt. One row per attempt, keyed by
// (chat_id, caller_username, recipient_username). Created by the caller before
// the callee is notified; deleted unconditionally during cleanup by either
// party.
type ActiveCall struct {
	ChatID       string
	Caller       string
	Recipient    string
	Status       ActiveStatus
	VideoEnabled bool
	CreatedAt    time.Time
}

type LogStatus string

const (
	LogCompleted LogStatus = "completed"
	LogDeclined  LogStatus = "declined"
	LogMissed    LogStatus = "missed"
)

// CallLog is the append-only record written exactly once per call attempt,
// at the moment the call ends. Duration is nil unless the call completed.
type CallLog struct {
	Caller       string
	Recipient    string
	ChatID       string
	Status       LogStatus
	StartedAt    time.Time
	EndedAt      time.Time
	Duration     *int
	VideoEnabled bool
}

type Store interface {
	// CreateActiveCall inserts a fresh pending record for a new call attempt.
	CreateActiveCall(ctx context.Context, call ActiveCall) error
	// AcceptActiveCall flips the record's status to accepted.
	AcceptActiveCall(ctx context.Context, chatID, caller, recipient string) error
	// DeleteActiveCall removes the record for one attempt. Zero matching rows
	// is not an error: cleanup runs on both sides and double-delete is fine.
	DeleteActiveCall(ctx context.Context, chatID, caller, recipient string) error
	// DeleteActiveCallsFor sweeps stale records for a (caller, recipient)
	// pair before a new outbound attempt is created.
	DeleteActiveCallsFor(ctx context.Context, caller, recipient string) error
	// PendingCallsFor returns pending calls addressed to recipient, used by
	// the incoming-call poll.
	PendingCallsFor(ctx context.Context, recipient string) ([]ActiveCall, error)

	InsertCallLog(ctx context.Context, log CallLog) error
}
