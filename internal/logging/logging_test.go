package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestLoggerAddsServiceAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "warn"}, "overbought-alerts", &buf)

	logger.Info().Msg("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level: %s", buf.String())
	}

	logger.Warn().Str("symbol", "BTCUSDT").Msg("kept")
	var event map[string]any
	if err := json.Unmarshal(buf.Bytes(), &event); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event["service"] != "overbought-alerts" || event["symbol"] != "BTCUSDT" || event["level"] != "warn" {
		t.Fatalf("unexpected event: %v", event)
	}
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "chatty"}, "", &buf)
	logger.Debug().Msg("hidden")
	logger.Info().Msg("shown")
	if !bytes.Contains(buf.Bytes(), []byte("shown")) || bytes.Contains(buf.Bytes(), []byte("hidden")) {
		t.Fatalf("unexpected output: %s", buf.String())
	}
}
