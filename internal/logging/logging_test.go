package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		err  bool
	}{
		{"debug", slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(FormatJSON, "warn", &buf)
	require.NoError(t, err)

	l.Info("hidden")
	l.Warn("shown", "resource", "core/v1/pods")

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "core/v1/pods", rec["resource"])
}

func TestNew_BadFormat(t *testing.T) {
	_, err := New("xml", "info", &bytes.Buffer{})
	assert.Error(t, err)
}

func TestInstall_BridgesKlog(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		klog.ClearLogger()
	})

	var buf bytes.Buffer
	l, err := New(FormatText, "info", &buf)
	require.NoError(t, err)
	Install(l)

	klog.Background().Info("from client-go")
	assert.Contains(t, buf.String(), "from client-go")
	assert.Contains(t, buf.String(), "source=client-go")
}
