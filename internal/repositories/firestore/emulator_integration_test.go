//go:build integration

package firestore

import (
	"context"
	"net"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	pconfig "github.com/storefront/api/internal/platform/config"
	pfirestore "github.com/storefront/api/internal/platform/firestore"
)

const emulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

// newEmulatorProvider returns a provider bound to a Firestore emulator. An emulator already
// exported through FIRESTORE_EMULATOR_HOST is reused; otherwise one is started in docker for
// the duration of the test.
func newEmulatorProvider(t *testing.T, projectID string) *pfirestore.Provider {
	t.Helper()

	endpoint := strings.TrimSpace(os.Getenv("FIRESTORE_EMULATOR_HOST"))
	if endpoint == "" {
		endpoint = startDockerEmulator(t)
	}
	awaitTCP(t, endpoint, 30*time.Second)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{
		ProjectID:    projectID,
		EmulatorHost: endpoint,
	})
	t.Cleanup(func() { _ = provider.Close(context.Background()) })
	return provider
}

func startDockerEmulator(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skipf("docker not available: %v", err)
	}

	out := docker(t, "run", "-d", "--rm", "-p", "127.0.0.1::8080", emulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start", "--host-port=0.0.0.0:8080", "--quiet")
	id := strings.TrimSpace(out)
	if id == "" {
		t.Fatalf("docker run returned no container id")
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = exec.CommandContext(ctx, "docker", "stop", id).Run()
	})

	// "docker port" prints e.g. "127.0.0.1:49153"; take the first mapping.
	mapping := strings.TrimSpace(docker(t, "port", id, "8080/tcp"))
	endpoint, _, _ := strings.Cut(mapping, "\n")
	if endpoint == "" {
		t.Fatalf("no host port published for emulator container %s", id)
	}
	return strings.TrimSpace(endpoint)
}

func docker(t *testing.T, args ...string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		t.Skipf("docker %s failed: %v (%s)", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out)
}

func awaitTCP(t *testing.T, endpoint string, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("firestore emulator at %s not reachable after %s: %v", endpoint, within, err)
		}
		time.Sleep(250 * time.Millisecond)
	}
}
