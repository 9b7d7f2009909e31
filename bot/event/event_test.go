package event_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/byte4ever/gitbot/bot/event"
)

const payload = `{
	"installation": {"id": 5},
	"repository": {
		"owner": {"login": "acme"},
		"name": "widgets"
	}
}`

func TestParse_and_get(t *testing.T) {
	t.Parallel()

	ev, err := event.Parse(
		"pull_request", []byte(payload),
	)
	require.NoError(t, err)

	tests := []struct {
		name string
		path string
		want string
	}{
		{
			name: "number leaf keeps literal form",
			path: "installation/id",
			want: "5",
		},
		{
			name: "nested string leaf",
			path: "repository/owner/login",
			want: "acme",
		},
		{
			name: "string leaf",
			path: "repository/name",
			want: "widgets",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ev.Get(tt.path)

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGet_missing_path(t *testing.T) {
	t.Parallel()

	ev, err := event.Parse(
		"pull_request", []byte(payload),
	)
	require.NoError(t, err)

	_, err = ev.Get("repository/ghost/login")

	require.Error(t, err)
	assert.ErrorContains(
		t, err, `"repository/ghost/login"`,
	)
	assert.ErrorContains(t, err, "pull_request")
}

func TestGet_segment_through_scalar(t *testing.T) {
	t.Parallel()

	ev, err := event.Parse(
		"issues", []byte(payload),
	)
	require.NoError(t, err)

	_, err = ev.Get("repository/name/deeper")

	assert.ErrorContains(t, err, "issues")
}

func TestGet_non_scalar_leaf(t *testing.T) {
	t.Parallel()

	ev, err := event.Parse(
		"push", []byte(payload),
	)
	require.NoError(t, err)

	_, err = ev.Get("repository")

	assert.ErrorContains(t, err, "not a scalar")
}

func TestParse_invalid_payload(t *testing.T) {
	t.Parallel()

	_, err := event.Parse("push", []byte("{nope"))

	assert.ErrorContains(
		t, err, "parsing webhook event",
	)
}
