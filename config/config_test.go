package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`gateway:
  jwt_secret: "0123456789abcdef0123456789abcdef"
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Broker.VideoQueue != "video" || cfg.Broker.AudioQueue != "mp3" {
		t.Errorf("queues = %q/%q, want video/mp3", cfg.Broker.VideoQueue, cfg.Broker.AudioQueue)
	}
	if host, err := os.Hostname(); err == nil && host != "" && cfg.Broker.ConsumerName != host {
		t.Errorf("consumer name default = %q, want hostname %q", cfg.Broker.ConsumerName, host)
	}
	if cfg.Broker.ConnectAttempts != 5 {
		t.Errorf("connect_attempts default = %d, want 5", cfg.Broker.ConnectAttempts)
	}
	if cfg.Broker.ConnectDelay() != 5*time.Second {
		t.Errorf("connect delay default = %v, want 5s", cfg.Broker.ConnectDelay())
	}
	if cfg.Notifier.Subject != "MP3 File Ready for Download" {
		t.Errorf("subject default = %q", cfg.Notifier.Subject)
	}
	if cfg.Ledger.Retention() != 30*24*time.Hour {
		t.Errorf("retention default = %v", cfg.Ledger.Retention())
	}
	if err := cfg.ValidateForGateway(); err != nil {
		t.Fatalf("validate for gateway: %v", err)
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audiorelay.toml")
	data := `data_dir = "/srv/audiorelay"

[broker]
transport = "redis"
redis_addr = "cache:6379"
video_queue = "uploads"
audio_queue = "converted"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Broker.Transport != "redis" || cfg.Broker.RedisAddr != "cache:6379" {
		t.Fatalf("broker = %+v", cfg.Broker)
	}
	if cfg.Broker.VideoQueue != "uploads" || cfg.Broker.AudioQueue != "converted" {
		t.Fatalf("queues = %q/%q", cfg.Broker.VideoQueue, cfg.Broker.AudioQueue)
	}
	if got, want := cfg.GetFailuresDBPath("converter"), filepath.Join("/srv/audiorelay", "failures-converter.db"); got != want {
		t.Errorf("failures path = %s, want %s", got, want)
	}
	if got, want := cfg.GetBlobDBPath("videos"), filepath.Join("/srv/audiorelay", "blobs", "videos.db"); got != want {
		t.Errorf("blob path = %s, want %s", got, want)
	}
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"RABBITMQ_HOST":     "rabbit",
		"RABBITMQ_USER":     "svc",
		"RABBITMQ_PASSWORD": "pw",
		"MP3_QUEUE":         "audio",
		"GMAIL_ADDRESS":     "bot@example.com",
		"GMAIL_PASSWORD":    "app-password",
		"SMTP_PORT":         "2525",

		"BROKER_CONSUMER_NAME": "converter-replica-2",
	}
	var cfg Config
	cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	cfg.applyDefaults()

	if cfg.Broker.URL != "amqp://svc:pw@rabbit:5672/" {
		t.Errorf("broker url = %q", cfg.Broker.URL)
	}
	if cfg.Broker.ConsumerName != "converter-replica-2" {
		t.Errorf("consumer name = %q, want env override", cfg.Broker.ConsumerName)
	}
	if cfg.Broker.AudioQueue != "audio" {
		t.Errorf("audio queue = %q, want audio", cfg.Broker.AudioQueue)
	}
	if cfg.Notifier.SMTP.Port != 2525 {
		t.Errorf("smtp port = %d, want 2525", cfg.Notifier.SMTP.Port)
	}
	if cfg.Notifier.SMTP.From != "bot@example.com" {
		t.Errorf("smtp from = %q, want username default", cfg.Notifier.SMTP.From)
	}
	if err := cfg.ValidateForNotifier(); err != nil {
		t.Fatalf("validate for notifier: %v", err)
	}
}

func TestValidation(t *testing.T) {
	cfg, err := Parse([]byte(`broker:
  video_queue: "same"
  audio_queue: "same"
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := cfg.ValidateForConverter(); err == nil {
		t.Fatal("expected error for identical queue names")
	}

	cfg, _ = Parse([]byte(`gateway:
  jwt_secret: "short"
`))
	if err := cfg.ValidateForGateway(); err == nil {
		t.Fatal("expected error for short jwt secret")
	}

	cfg, _ = Parse([]byte(`blob:
  backend: "s3"
`))
	if err := cfg.ValidateForConverter(); err == nil {
		t.Fatal("expected error for s3 without bucket")
	}

	cfg, _ = Parse([]byte(`notifier:
  transport: "pigeon"
`))
	if err := cfg.ValidateForNotifier(); err == nil {
		t.Fatal("expected error for unknown notifier transport")
	}
}
