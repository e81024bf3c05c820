package client

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobengine/internal/domain"
)

func TestJobCursor_RoundTrip(t *testing.T) {
	in := &domain.JobCursor{Created: time.Date(2026, 3, 1, 10, 30, 0, 123456789, time.UTC), JobID: 42}

	out, err := DecodeJobCursor(EncodeJobCursor(in))
	require.NoError(t, err)
	assert.True(t, in.Created.Equal(out.Created))
	assert.Equal(t, int64(42), out.JobID)
}

func TestDecodeJobCursor_Invalid(t *testing.T) {
	enc := func(s string) string { return base64.URLEncoding.EncodeToString([]byte(s)) }

	tests := []struct {
		name   string
		cursor string
	}{
		{"not base64", "***"},
		{"missing separator", enc("12345")},
		{"bad timestamp", enc("abc|1")},
		{"bad job id", enc("1|abc")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeJobCursor(tt.cursor)
			assert.Error(t, err)
		})
	}

	c, err := DecodeJobCursor("")
	require.NoError(t, err)
	assert.Nil(t, c)
}
