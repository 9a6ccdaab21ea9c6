// Copyright 2022 Amazon.com, Inc. or its affiliates. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sak

import (
	"testing"
	"time"
)

func TestRunStatusHalt(t *testing.T) {
	rs := NewRunStatus(nil)
	if !rs.Running() {
		t.Error("fresh RunStatus should be running")
	}
	rs.Halt()
	if rs.Running() {
		t.Error("halted RunStatus should not be running")
	}
	select {
	case <-rs.Done():
	default:
		t.Error("Done channel should be closed after Halt")
	}
}

func TestForkedHaltDoesNotCancelParent(t *testing.T) {
	parent := NewRunStatus(nil)
	child := parent.Fork()
	child.Halt()
	if !parent.Running() {
		t.Error("child Halt should not propagate to the parent")
	}

	other := parent.Fork()
	parent.Halt()
	if other.Running() {
		t.Error("parent Halt should propagate to children")
	}
}

func TestSleepInterruptedByHalt(t *testing.T) {
	rs := NewRunStatus(nil)
	go func() {
		time.Sleep(10 * time.Millisecond)
		rs.Halt()
	}()
	start := time.Now()
	if rs.Sleep(10 * time.Second) {
		t.Error("interrupted sleep should report false")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("sleep was not interrupted")
	}

	if !NewRunStatus(nil).Sleep(time.Millisecond) {
		t.Error("uninterrupted sleep should report true")
	}
}
