package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/spf13/cobra"
)

// executeCommand runs a cobra command with the given args and captures combined output.
func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	return executeCommandContext(context.Background(), root, args...)
}

func executeCommandContext(ctx context.Context, root *cobra.Command, args ...string) (output string, err error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetIn(bytes.NewReader(nil))
	root.SetArgs(args)
	_, err = root.ExecuteContextC(ctx)
	return buf.String(), err
}

// received is one request seen by the fake collector.
type received struct {
	path   string
	apiKey string
	body   []byte
}

// fakeCollector answers every collector route with a canned success.
type fakeCollector struct {
	mu   sync.Mutex
	reqs []received
}

func (f *fakeCollector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	key := r.Header.Get("x-api-key")
	if key == "" {
		key = r.URL.Query().Get("api_key")
	}
	f.mu.Lock()
	f.reqs = append(f.reqs, received{path: r.URL.Path, apiKey: key, body: body})
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/events":
		io.WriteString(w, `{"success":true,"accepted":1}`)
	case "/recordings":
		var chunk struct {
			ChunkIndex int `json:"chunkIndex"`
		}
		json.Unmarshal(body, &chunk)
		json.NewEncoder(w).Encode(map[string]any{"success": true, "chunkIndex": chunk.ChunkIndex})
	case "/sdk/assign":
		io.WriteString(w, `{"success":true,"assigned":true,"variation":{"key":"treatment","name":"Green button","configuration":{"color":"green"}},"assignmentId":"as_9"}`)
	case "/sdk/track":
		io.WriteString(w, `{"success":true,"eventId":"ev_9"}`)
	case "/sdk/config":
		io.WriteString(w, `{"success":true,"experiments":[{"key":"checkout-flow","status":"running","variations":[{"key":"control"},{"key":"treatment"}]},{"key":"old-banner","status":"completed"}]}`)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeCollector) byPath(path string) []received {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []received
	for _, r := range f.reqs {
		if r.path == path {
			out = append(out, r)
		}
	}
	return out
}

// setupEnv isolates config and state in temp directories and points the
// client at a fake collector. It returns the collector and the base args
// every invocation needs.
func setupEnv(t *testing.T) (*fakeCollector, []string) {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("HOME", tmp)
	t.Setenv("XDG_DATA_HOME", tmp)
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(tmp); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	for _, name := range []string{"PULSE_API_KEY", "PULSE_ENDPOINT", "PULSE_STORAGE", "PULSE_BATCH_SIZE", "PULSE_LOG_OUTPUT"} {
		t.Setenv(name, "")
	}
	t.Setenv("PULSE_LOG_LEVEL", "error")

	col := &fakeCollector{}
	srv := httptest.NewServer(col)
	t.Cleanup(srv.Close)
	return col, []string{"--endpoint", srv.URL, "--api-key", "pk_cli", "--storage", "disk"}
}

func run(t *testing.T, base []string, args ...string) string {
	t.Helper()
	out, err := executeCommand(rootCmd, append(args, base...)...)
	if err != nil {
		t.Fatalf("pulse %v: %v\n%s", args, err, out)
	}
	return out
}
