package eventbus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescribe(t *testing.T) {
	old := 3
	payload, err := json.Marshal(ZoneEvent{ZoneID: 4, Name: "arena", Index: 1, OldIndex: &old, Shape: "polygon"})
	require.NoError(t, err)

	assert.Equal(t, `Zone: #4 "arena" index=1 shape=polygon old_index=3`,
		Describe(&Envelope{EventType: EventZoneIndexUpdated, Payload: payload}))
	assert.Contains(t, Describe(&Envelope{EventType: EventAnchorMoved, Payload: []byte("{")}), "bad payload")
	assert.Equal(t, "size=2B", Describe(&Envelope{EventType: "custom", Payload: []byte("{}")}))
}
