// Copyright 2025 Tom Barlow
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

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tracewire.yaml")
	require.NoError(t, os.WriteFile(path, []byte("account_id: \"190\"\n"), 0o600))

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, nil, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	require.NoError(t, err)
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	require.NoError(t, os.WriteFile(path, []byte("account_id: \"191\"\n"), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "191", cfg.AccountID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatcher_KeepsPreviousOnBadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tracewire.yaml")
	require.NoError(t, os.WriteFile(path, []byte("account_id: \"190\"\n"), 0o600))

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, nil, func(cfg *Config) {
		reloaded <- cfg
	})
	require.NoError(t, err)
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	// Invalid YAML should not reach the callback.
	require.NoError(t, os.WriteFile(path, []byte("{{nope"), 0o600))

	select {
	case <-reloaded:
		t.Fatal("callback should not fire for invalid config")
	case <-time.After(time.Second):
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tracewire.yaml")
	require.NoError(t, os.WriteFile(path, []byte("account_id: \"190\"\n"), 0o600))

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, nil, func(cfg *Config) {
		reloaded <- cfg
	})
	require.NoError(t, err)
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o600))

	select {
	case <-reloaded:
		t.Fatal("callback should not fire for unrelated files")
	case <-time.After(time.Second):
	}
}
