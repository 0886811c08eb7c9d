package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategoryDebugElevation(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "queue, llm"))

	queueLog := logger.With(CategoryKey, "queue")
	hubLog := logger.With(CategoryKey, "hub")

	queueLog.Debug("claimed entry", "queue_id", "q1")
	hubLog.Debug("suppressed echo", "conn_id", "c1")
	hubLog.Info("client connected", "conn_id", "c1")

	out := buf.String()
	assert.Contains(t, out, "claimed entry")
	assert.NotContains(t, out, "suppressed echo")
	assert.Contains(t, out, "client connected")
}

func TestWildcardEnablesAllCategories(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "*"))

	logger.With(CategoryKey, "anything").Debug("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestUncategorizedDebugFiltered(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "queue"))

	logger.Debug("no category")
	logger.Info("still visible")

	out := buf.String()
	assert.NotContains(t, out, "no category")
	assert.Contains(t, out, "still visible")
}

func TestCategoryMatchingIsCaseInsensitive(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "Queue"))

	logger.With(CategoryKey, "QUEUE").Debug("claimed")
	assert.True(t, strings.Contains(buf.String(), "claimed"))
}
