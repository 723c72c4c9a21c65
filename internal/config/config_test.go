package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadLayers(t *testing.T) {
	chdir(t, t.TempDir())
	path := filepath.Join(t.TempDir(), "modelwatch.yaml")
	yml := "encryption_key: from-yaml\ndatabase:\n  driver: postgres\n  dsn: postgres://db/mw\nhttp:\n  port: 9000\n"
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MODELWATCH_HTTP_PORT", "9100")
	t.Setenv("MODELWATCH_TELEGRAM_CHAT_ID", "-100123")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.EncryptionKey != "from-yaml" || c.Database.Driver != "postgres" {
		t.Fatalf("yaml layer lost: %+v", c)
	}
	if c.HTTP.Port != 9100 || c.Telegram.ChatID != -100123 {
		t.Fatalf("env must override yaml: port=%d chat=%d", c.HTTP.Port, c.Telegram.ChatID)
	}
	if c.SSH.Port != 23234 || c.Email.From == "" {
		t.Fatalf("defaults missing: %+v", c)
	}

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse([]string{"-port", "7000", "-db", "other.db"}); err != nil {
		t.Fatal(err)
	}
	c.ApplyFlags(fs)
	if c.HTTP.Port != 7000 || c.Database.DSN != "other.db" || c.SSH.AuthorizedKeys != "authorized_keys" {
		t.Fatalf("flags not applied: %+v", c)
	}
}

func TestDotEnv(t *testing.T) {
	chdir(t, t.TempDir())
	if err := os.WriteFile(".env", []byte("MODELWATCH_ENCRYPTION_KEY=dotenv-key\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.EncryptionKey != "dotenv-key" {
		t.Fatalf("expected .env value, got %q", c.EncryptionKey)
	}
	os.Unsetenv("MODELWATCH_ENCRYPTION_KEY")
}

func TestBadEnvNumber(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("MODELWATCH_SSH_PORT", "ssh")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	c := Default()
	if c.Validate() == nil {
		t.Fatalf("missing encryption key accepted")
	}
	c.EncryptionKey = "k"
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	c.Cluster.Mode = "follower"
	if c.Validate() == nil {
		t.Fatalf("follower without peer accepted")
	}
	c.Cluster.Mode = "leader"
	c.Database.Driver = "mysql"
	if c.Validate() == nil {
		t.Fatalf("unknown driver accepted")
	}
}

func TestJWTKeyDerivation(t *testing.T) {
	c := Default()
	c.EncryptionKey = "a"
	derived := string(c.JWTKey())
	c.EncryptionKey = "b"
	if string(c.JWTKey()) == derived {
		t.Fatalf("derived key should depend on the encryption key")
	}
	c.Admin.JWTSecret = "explicit"
	if string(c.JWTKey()) != "explicit" {
		t.Fatalf("explicit secret ignored")
	}
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}
