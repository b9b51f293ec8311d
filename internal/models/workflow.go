// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/GitThaisen/tv-automation-media-management/internal/storage"
)

// StepAction identifies what a work-step does.
type StepAction string

const (
	ActionCopy              StepAction = "COPY"
	ActionDelete            StepAction = "DELETE"
	ActionScan              StepAction = "SCAN"
	ActionGenerateMetadata  StepAction = "GENERATE_METADATA"
	ActionGeneratePreview   StepAction = "GENERATE_PREVIEW"
	ActionGenerateThumbnail StepAction = "GENERATE_THUMBNAIL"
)

// StepStatus is the execution state of a work-step.
// Transitions: IDLE -> WORKING -> {DONE, ERROR, SKIPPED}; never back to IDLE.
type StepStatus string

const (
	StepStatusIdle    StepStatus = "IDLE"
	StepStatusWorking StepStatus = "WORKING"
	StepStatusDone    StepStatus = "DONE"
	StepStatusError   StepStatus = "ERROR"
	StepStatusSkipped StepStatus = "SKIPPED"
)

// terminalStepStatuses is the single source of truth for terminal states.
var terminalStepStatuses = map[StepStatus]struct{}{
	StepStatusDone:    {},
	StepStatusError:   {},
	StepStatusSkipped: {},
}

// IsTerminal returns true if the status admits no further transitions.
func (s StepStatus) IsTerminal() bool {
	_, ok := terminalStepStatuses[s]
	return ok
}

// WorkFlowSource says what produced a work-flow.
type WorkFlowSource string

const (
	SourceLocalMediaItem WorkFlowSource = "LOCAL_MEDIA_ITEM"
)

// WorkStep is one unit of work assigned to one worker.
type WorkStep struct {
	Action   StepAction
	File     storage.File
	Target   *storage.Object
	Priority int

	mu       sync.Mutex
	status   StepStatus
	progress float64
}

// NewWorkStep creates an idle step.
func NewWorkStep(action StepAction, file storage.File, target *storage.Object, priority int) *WorkStep {
	return &WorkStep{
		Action:   action,
		File:     file,
		Target:   target,
		Priority: priority,
		status:   StepStatusIdle,
	}
}

// Status returns the current step status.
func (s *WorkStep) Status() StepStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus moves the step to status. Terminal states are sticky.
func (s *WorkStep) SetStatus(status StepStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.IsTerminal() {
		return
	}
	s.status = status
}

// Progress returns the persisted progress in [0,1].
func (s *WorkStep) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// ReportProgress persists p only when it exceeds the stored value, so
// progress never moves backwards. p is clamped to [0,1].
func (s *WorkStep) ReportProgress(p float64) {
	if p < 0 {
		p = 0
	} else if p > 1 {
		p = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p > s.progress {
		s.progress = p
	}
}

// WorkFlow is an ordered sequence of work-steps produced by a generator.
type WorkFlow struct {
	ID       string
	Steps    []*WorkStep
	Priority int
	Source   WorkFlowSource
	Created  time.Time

	// set by the dispatcher once every step has settled or an errored
	// step has ended the work-flow (later steps then stay IDLE)
	Finished bool
	Success  bool
}

// NewWorkFlowID builds a workflow id from the originating file path and a
// random suffix.
func NewWorkFlowID(path string) string {
	return path + "_" + randomSuffix()
}

func randomSuffix() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return hex.EncodeToString(b)
}

// WorkResult is what a worker resolves for every executed step. Workers
// never propagate errors to the dispatcher; failures are carried here.
type WorkResult struct {
	Status   StepStatus
	Messages []string
}
