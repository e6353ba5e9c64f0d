package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/studio-engine/logger"
	"github.com/warp/studio-engine/studio"
)

func TestNewWriter_Level(t *testing.T) {
	var buf bytes.Buffer
	logger.NewWriter(&buf, "prod").Debug("hidden")
	assert.Empty(t, buf.String())

	logger.NewWriter(&buf, "dev").Debug("shown")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}

func TestNotifier_LogsBooking(t *testing.T) {
	var buf bytes.Buffer
	n := logger.Notifier{Log: logger.NewWriter(&buf, "prod")}
	d := studio.NewDate(2026, time.October, 12)

	err := n.BookingConfirmed(context.Background(), studio.Booking{UserID: "u1", ClassID: "yoga", OccurrenceDate: &d})
	require.NoError(t, err)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "notify: booking confirmed", line["msg"])
	assert.Equal(t, "u1", line["user_id"])
	assert.Equal(t, "2026-10-12", line["occurrence"])
}
