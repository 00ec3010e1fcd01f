// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sequence

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/chatsync/pkg/dialog/datatypes"
)

func TestTracker_Admit(t *testing.T) {
	tr := New()
	c5 := datatypes.Chunk{Type: datatypes.ChunkText, SequenceID: datatypes.Seq(5)}

	assert.True(t, tr.Admit(datatypes.ChannelClient, c5))
	assert.False(t, tr.Admit(datatypes.ChannelClient, c5), "second delivery is a duplicate")
	assert.True(t, tr.Admit(datatypes.ChannelAdmin, c5), "channels are numbered independently")
	assert.Equal(t, 2, tr.Len())
}

func TestTracker_UnsequencedAlwaysAdmitted(t *testing.T) {
	tr := New()
	c := datatypes.Chunk{Type: datatypes.ChunkText, Text: "x"}

	for i := 0; i < 3; i++ {
		assert.True(t, tr.Admit(datatypes.ChannelClient, c))
	}
	assert.Equal(t, 0, tr.Len())
}

func TestTracker_Reset(t *testing.T) {
	tr := New()
	tr.MarkProcessed(datatypes.ChannelClient, 1)
	assert.True(t, tr.Processed(datatypes.ChannelClient, 1))

	tr.Reset()

	assert.False(t, tr.Processed(datatypes.ChannelClient, 1))
	assert.Equal(t, 0, tr.Len())
}
