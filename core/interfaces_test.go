package core

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestDefaultPanicHandler(t *testing.T) {
	// Given: A DefaultPanicHandler
	handler := &DefaultPanicHandler{}

	// When: HandlePanic is called
	// Then: The handler logs without panicking itself
	assert.NotPanics(t, func() {
		handler.HandlePanic(WithLane(context.Background(), "disk"), "test-runner", 42, "test panic", []byte("stack trace"))
	})
}

func TestDefaultRejectedTaskHandler(t *testing.T) {
	handler := &DefaultRejectedTaskHandler{}
	assert.NotPanics(t, func() { handler.HandleRejectedTask("pool", "shutting down") })
}

func TestNilMetrics(t *testing.T) {
	// Given: A NilMetrics
	var m Metrics = &NilMetrics{}

	// When/Then: Every call is a no-op
	assert.NotPanics(t, func() {
		m.RecordTaskDuration("lane", time.Second)
		m.RecordTaskPanic("lane", "boom")
		m.RecordQueueDepth("lane", 3)
		m.RecordTaskRejected("lane", "closed")
		m.RecordTaskCancelled("lane", "removed")
	})
}

// TestConfig_WithDefaults verifies nil fields fall back to defaults
func TestConfig_WithDefaults(t *testing.T) {
	// Given: A nil config and a partial config
	var nilCfg *Config
	logger := NewNoOpLogger()
	partial := &Config{Logger: logger, HistoryCapacity: 5}

	// When
	fromNil := nilCfg.withDefaults()
	fromPartial := partial.Resolved()

	// Then
	assert.IsType(t, &DefaultPanicHandler{}, fromNil.PanicHandler)
	assert.IsType(t, &NilMetrics{}, fromNil.Metrics)
	assert.IsType(t, &DefaultRejectedTaskHandler{}, fromNil.RejectedTaskHandler)
	assert.NotNil(t, fromNil.Now)
	assert.Equal(t, defaultTaskHistoryCapacity, fromNil.HistoryCapacity)

	assert.Same(t, logger, fromPartial.Logger)
	assert.Equal(t, 5, fromPartial.HistoryCapacity)
	assert.IsType(t, &DefaultPanicHandler{}, fromPartial.PanicHandler)
}

// TestZerologLogger_Fields verifies field encoding and level filtering
func TestZerologLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologLogger(zerolog.New(&buf).Level(zerolog.InfoLevel))

	logger.Debug("hidden", F("id", "x"))
	logger.Warn("Task cannot be cancelled", F("id", "x"), F("lane", "L"), F("error", errors.New("no future")))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"id":"x"`)
	assert.Contains(t, out, `"lane":"L"`)
	assert.Contains(t, out, `"error":"no future"`)
	assert.Contains(t, out, `"message":"Task cannot be cancelled"`)
}
