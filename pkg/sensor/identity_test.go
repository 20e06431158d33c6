package sensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityKeyDistinguishesAbsentFromEmpty(t *testing.T) {
	a := Identity{TagLocation: "ut3", TagRoom: ""}
	b := Identity{TagLocation: "ut3"}

	assert.NotEqual(t, a.Key(), b.Key())
	assert.True(t, a.Has(TagRoom))
	assert.False(t, b.Has(TagRoom))
}

func TestIdentityKeySeparatorsInValues(t *testing.T) {
	a := Identity{TagLocation: "x,building=y", TagBuilding: "z"}
	b := Identity{TagLocation: "x", TagBuilding: "y,building=z"}
	c := Identity{TagLocation: "x,building!", TagRoom: "r"}
	d := Identity{TagLocation: "x", TagRoom: "r"}

	assert.NotEqual(t, a.Key(), b.Key())
	assert.NotEqual(t, c.Key(), d.Key())
	assert.False(t, a.Equal(b))
	assert.Equal(t, a.Key(), Identity{TagBuilding: "z", TagLocation: "x,building=y"}.Key())
}

func TestIdentityFromTagsDropsForeignTags(t *testing.T) {
	id := IdentityFromTags(map[string]string{
		TagKind:     "temperature",
		TagBuilding: "u4",
		"host":      "x",
	})
	assert.Equal(t, Identity{TagKind: "temperature", TagBuilding: "u4"}, id)
	assert.Equal(t, "__/u4/__/temperature/__/__", id.String())
}

func TestTopicExtractor(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload map[string]any
		want    Identity
	}{
		{
			name:    "campus topic",
			topic:   "U4/302/Temperature",
			payload: map[string]any{"unitID": "Ambient", "subID": "1"},
			want: Identity{
				TagLocation: "ut3", TagBuilding: "u4", TagRoom: "302",
				TagKind: "temperature", TagUnitID: "ambient", TagSubID: "1",
			},
		},
		{
			name:    "default unit id",
			topic:   "u4/302/humidity",
			payload: map[string]any{},
			want: Identity{
				TagLocation: "ut3", TagBuilding: "u4", TagRoom: "302",
				TagKind: "humidity", TagUnitID: "u4_302",
			},
		},
		{
			name:    "outside",
			topic:   "outside/ambient/wind",
			payload: map[string]any{"subID": "outside"},
			want: Identity{
				TagLocation: "ut3", TagKind: "wind", TagUnitID: "outside_ambient",
			},
		},
		{
			name:    "abroad",
			topic:   "abroad/Carcassonne/home/kitchen/humidity",
			payload: map[string]any{"unitID": "th01"},
			want: Identity{
				TagLocation: "carcassonne", TagBuilding: "home", TagRoom: "kitchen",
				TagKind: "humidity", TagUnitID: "th01",
			},
		},
		{
			name:    "payload location wins",
			topic:   "u4/302/co2",
			payload: map[string]any{"location": "Rangueil", "unitID": "c1"},
			want: Identity{
				TagLocation: "rangueil", TagBuilding: "u4", TagRoom: "302",
				TagKind: "co2", TagUnitID: "c1",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := TopicExtractor{}.ExtractIdentity(tt.topic, tt.payload)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTopicExtractorRejectsShortTopics(t *testing.T) {
	_, err := TopicExtractor{}.ExtractIdentity("u4/302", nil)
	require.ErrorIs(t, err, ErrBadTopic)

	_, err = TopicExtractor{}.ExtractIdentity("abroad/x/y/z", nil)
	require.ErrorIs(t, err, ErrBadTopic)
}
