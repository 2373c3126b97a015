package vinylvault_test

import (
	"os"
	"slices"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/loydmilligan/vinylvault/internal/config"
)

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return string(data)
}

func TestDockerfileMultiStageBuild(t *testing.T) {
	content := readFile(t, "Dockerfile")

	// ビルドステージと実行ステージが存在すること
	if !strings.Contains(content, "FROM golang:") {
		t.Error("Dockerfile should contain a Go builder stage (FROM golang:)")
	}

	// 最終ステージは軽量イメージであること
	var lastFrom string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "FROM ") {
			lastFrom = trimmed
		}
	}
	if !strings.Contains(lastFrom, "gcr.io/distroless") && !strings.Contains(lastFrom, "alpine") && !strings.Contains(lastFrom, "scratch") {
		t.Errorf("final stage should use a minimal base image (distroless/alpine/scratch), got: %s", lastFrom)
	}
}

func TestDockerfileBinaryAndHealthcheck(t *testing.T) {
	content := readFile(t, "Dockerfile")

	if !strings.Contains(content, "./cmd/vinylvault") {
		t.Error("Dockerfile should build ./cmd/vinylvault")
	}
	if !strings.Contains(content, "ENTRYPOINT") {
		t.Error("Dockerfile should contain ENTRYPOINT")
	}
	// distrolessにはcurlがないためhealthcheckサブコマンドを使う
	if !strings.Contains(content, `"healthcheck"`) {
		t.Error("HEALTHCHECK should use the healthcheck subcommand")
	}
}

type composeFile struct {
	Services map[string]struct {
		Image       string            `yaml:"image"`
		Command     []string          `yaml:"command"`
		Environment map[string]string `yaml:"environment"`
		Networks    []string          `yaml:"networks"`
	} `yaml:"services"`
	Networks map[string]struct {
		Internal bool `yaml:"internal"`
	} `yaml:"networks"`
}

func loadCompose(t *testing.T) composeFile {
	t.Helper()
	var c composeFile
	if err := yaml.Unmarshal([]byte(readFile(t, "docker-compose.yml")), &c); err != nil {
		t.Fatalf("failed to parse docker-compose.yml: %v", err)
	}
	return c
}

func TestDockerComposeServices(t *testing.T) {
	c := loadCompose(t)

	api, ok := c.Services["api"]
	if !ok {
		t.Fatal("docker-compose.yml should define the api service")
	}
	if !slices.Equal(api.Command, []string{"serve"}) {
		t.Errorf("api command = %v, want [serve]", api.Command)
	}
	for _, key := range []string{"DATABASE_URL", "DISCOGS_USERNAME", "DISCOGS_TOKEN"} {
		if _, ok := api.Environment[key]; !ok {
			t.Errorf("api service should set %s", key)
		}
	}

	db, ok := c.Services["db"]
	if !ok {
		t.Fatal("docker-compose.yml should define the db service")
	}
	if !strings.HasPrefix(db.Image, "postgres:") {
		t.Errorf("db image = %q, want postgres", db.Image)
	}
}

func TestDockerComposeNetworks(t *testing.T) {
	c := loadCompose(t)

	// DBは外部通信のない内部ネットワークにだけ接続する
	backend, ok := c.Networks["backend"]
	if !ok || !backend.Internal {
		t.Error("docker-compose.yml should define an internal backend network")
	}
	if !slices.Equal(c.Services["db"].Networks, []string{"backend"}) {
		t.Errorf("db networks = %v, want [backend]", c.Services["db"].Networks)
	}
	// APIだけがリモートAPIへの外部通信を持つ
	if !slices.Contains(c.Services["api"].Networks, "external") {
		t.Error("api service should join the external network")
	}
}

func TestSampleAlgorithmConfigIsValid(t *testing.T) {
	file, err := config.LoadAlgorithmFile("config/algorithm.yaml")
	if err != nil {
		t.Fatalf("LoadAlgorithmFile() error = %v", err)
	}
	if file.Algorithm.RatingWeight != 2.0 {
		t.Errorf("RatingWeight = %v, want 2.0", file.Algorithm.RatingWeight)
	}
	if len(file.Experiments) != 1 || file.Experiments[0].Active {
		t.Errorf("sample experiment should be defined but inactive: %+v", file.Experiments)
	}
	if got := file.Experiments[0].Variants[1].Effective.RatingWeight; got != 3.0 {
		t.Errorf("strong_rating RatingWeight = %v, want 3.0", got)
	}
}
