package tracing

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

type exported struct {
	Name     string
	Resource []struct {
		Key   string
		Value struct{ Value any }
	}
}

func readExported(t *testing.T, path string) []exported {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []exported
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var e exported
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e), sc.Text())
		out = append(out, e)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestProvider_WritesSpans(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker-1.jsonl")
	p, err := Open(path, "worker-1")
	require.NoError(t, err)

	tr := p.Tracer("test")
	for _, name := range []string{"first", "second"} {
		_, span := tr.Start(context.Background(), name)
		span.SetAttributes(attribute.Int("n", 1))
		span.End()
	}

	// Spans are on disk before shutdown.
	spans := readExported(t, path)
	require.Len(t, spans, 2)
	assert.Equal(t, "first", spans[0].Name)
	assert.Equal(t, "second", spans[1].Name)

	var process any
	for _, kv := range spans[0].Resource {
		if kv.Key == "shmguard.process" {
			process = kv.Value.Value
		}
	}
	assert.Equal(t, "worker-1", process)

	require.NoError(t, p.Shutdown())
	assert.NoError(t, p.Shutdown(), "second shutdown is a no-op")
}

func TestProvider_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coordinator.jsonl")
	for range 2 {
		p, err := Open(path, "coordinator")
		require.NoError(t, err)
		_, span := p.Tracer("test").Start(context.Background(), "run")
		span.End()
		require.NoError(t, p.Shutdown())
	}
	assert.Len(t, readExported(t, path), 2)
}

func TestOpen_BadPath(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "x.jsonl"), "x")
	assert.Error(t, err)
}
