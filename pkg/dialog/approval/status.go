// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package approval

import (
	"sync"

	"github.com/AleutianAI/chatsync/pkg/dialog/datatypes"
)

// StatusMap is the per-conversation map from approval request id to its
// authoritative status. A nil *StatusMap behaves as an empty, read-only
// map.
//
// Thread Safety: safe for concurrent use.
type StatusMap struct {
	mu       sync.RWMutex
	statuses map[string]datatypes.ApprovalStatus
}

// NewStatusMap creates an empty StatusMap.
func NewStatusMap() *StatusMap {
	return &StatusMap{statuses: make(map[string]datatypes.ApprovalStatus)}
}

// Status returns the recorded status of requestID.
func (m *StatusMap) Status(requestID string) (datatypes.ApprovalStatus, bool) {
	if m == nil {
		return "", false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[requestID]
	return s, ok
}

// Record stores status for requestID, replacing any previous value.
func (m *StatusMap) Record(requestID string, status datatypes.ApprovalStatus) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[requestID] = status
}

// Len returns the number of recorded requests.
func (m *StatusMap) Len() int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.statuses)
}
