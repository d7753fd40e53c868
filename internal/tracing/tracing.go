// Package tracing records the spans of one run process as JSON lines in the
// run directory. The coordinator and every worker own a Provider; spans are
// exported synchronously so a worker that dies mid-run leaves complete
// lines behind.
package tracing

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/Iron-Ham/shmguard/internal/errors"
)

const shutdownTimeout = 5 * time.Second

// Provider is a tracer provider writing to one span file.
type Provider struct {
	tp   *sdktrace.TracerProvider
	file *os.File

	once sync.Once
	err  error
}

// Open appends the spans of process (e.g. "coordinator", "worker-2") to
// path.
func Open(path, process string) (*Provider, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open span file: %w", err)
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(f))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create span exporter: %w", err)
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", "shmguard"),
		attribute.String("shmguard.process", process),
		attribute.Int("process.pid", os.Getpid()),
	)
	return &Provider{
		tp:   sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp), sdktrace.WithResource(res)),
		file: f,
	}, nil
}

// TracerProvider returns the provider for injection into components.
func (p *Provider) TracerProvider() trace.TracerProvider { return p.tp }

// Tracer returns a named tracer.
func (p *Provider) Tracer(name string) trace.Tracer { return p.tp.Tracer(name) }

// Shutdown flushes and closes the span file. Later calls return the result
// of the first.
func (p *Provider) Shutdown() error {
	p.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		p.err = errors.Join(p.tp.Shutdown(ctx), p.file.Close())
	})
	return p.err
}
