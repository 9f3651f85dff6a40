// SPDX-FileCopyrightText: Copyright (C) 2026  Superlogin Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package worker

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkerHalt(t *testing.T) {
	require := require.New(t)

	w := new(Worker)
	var stopped int32
	for i := 0; i < 4; i++ {
		w.Go(func() {
			<-w.HaltCh()
			atomic.AddInt32(&stopped, 1)
		})
	}
	w.Go(func() {
		<-w.Context().Done()
		atomic.AddInt32(&stopped, 1)
	})
	require.False(w.IsHalted())

	w.Halt()
	require.Equal(int32(5), atomic.LoadInt32(&stopped))
	require.True(w.IsHalted())

	// Idempotent.
	w.Halt()
}
