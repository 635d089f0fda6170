// ABOUTME: Pluggable per-kind job handlers and the built-in stub strategies
// ABOUTME: generate, proof and schedule simulate latency then return deterministic results

package job

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-dispatch/internal/errdefs"
	"github.com/2389/coven-dispatch/internal/store"
)

// Built-in job kinds.
const (
	KindGenerate = "generate"
	KindProof    = "proof"
	KindSchedule = "schedule"
)

// FailureMessage is recorded on jobs whose payload requests failure.
const FailureMessage = "Job failed by request"

// Handler performs the work for one job kind. Returning an ExecutionError
// fails the job with that message; any other error fails it with err.Error().
type Handler func(ctx context.Context, job *store.Job) (map[string]any, error)

// Handlers is a registry of handlers keyed by kind.
type Handlers struct {
	mu sync.RWMutex
	m  map[string]Handler
}

// NewHandlers creates an empty registry.
func NewHandlers() *Handlers {
	return &Handlers{m: make(map[string]Handler)}
}

// Register installs h for kind, replacing any previous handler.
func (h *Handlers) Register(kind string, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.m[kind] = handler
}

// Get returns the handler for kind.
func (h *Handlers) Get(kind string) (Handler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	handler, ok := h.m[kind]
	return handler, ok
}

// Kinds returns the registered kinds in sorted order.
func (h *Handlers) Kinds() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	kinds := make([]string, 0, len(h.m))
	for k := range h.m {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Delays are the simulated latencies of the built-in handlers.
type Delays struct {
	Generate time.Duration
	Proof    time.Duration
	Schedule time.Duration
}

// DefaultDelays matches the stock configuration.
var DefaultDelays = Delays{
	Generate: 1200 * time.Millisecond,
	Proof:    600 * time.Millisecond,
	Schedule: 300 * time.Millisecond,
}

// Verifier decides the policy verdict for a proof job.
type Verifier interface {
	Evaluate(ctx context.Context, input map[string]any) (string, error)
}

// DefaultHandlers registers generate, proof and schedule with the given delays.
// A nil verifier makes every proof pass.
func DefaultHandlers(delays Delays, verifier Verifier) *Handlers {
	h := NewHandlers()
	h.Register(KindGenerate, Stub(delays.Generate, Generate))
	h.Register(KindProof, Stub(delays.Proof, Proof(verifier)))
	h.Register(KindSchedule, Stub(delays.Schedule, Schedule))
	return h
}

// Stub wraps fn with a simulated delay followed by the payload.fail check.
func Stub(delay time.Duration, fn Handler) Handler {
	return func(ctx context.Context, job *store.Job) (map[string]any, error) {
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}
		if FailRequested(job.Payload) {
			return nil, errdefs.Execution(FailureMessage)
		}
		return fn(ctx, job)
	}
}

// FailRequested reports whether payload.fail is truthy: true, a non-zero
// number, or a non-empty string other than "false" and "0".
func FailRequested(payload map[string]any) bool {
	v, ok := payload["fail"]
	if !ok || v == nil {
		return false
	}
	switch f := v.(type) {
	case bool:
		return f
	case float64:
		return f != 0
	case int:
		return f != 0
	case int64:
		return f != 0
	case json.Number:
		n, err := f.Float64()
		return err != nil || n != 0
	case string:
		s := strings.TrimSpace(strings.ToLower(f))
		return s != "" && s != "false" && s != "0"
	default:
		return true
	}
}

// Generate produces a templated text result.
func Generate(_ context.Context, job *store.Job) (map[string]any, error) {
	prompt, _ := job.Payload["prompt"].(string)
	subject := prompt
	if subject == "" {
		subject = job.Action
	}
	if subject == "" {
		subject = job.Kind
	}
	text := fmt.Sprintf("Generated output for %q by agent %s", subject, job.AgentID)
	return map[string]any{
		"text":   text,
		"tokens": len(strings.Fields(text)),
	}, nil
}

// Proof signs a digest of the job and attaches the policy verdict.
func Proof(verifier Verifier) Handler {
	return func(ctx context.Context, job *store.Job) (map[string]any, error) {
		digest, err := proofDigest(job)
		if err != nil {
			return nil, err
		}

		verdict := "PASS"
		if verifier != nil {
			verdict, err = verifier.Evaluate(ctx, map[string]any{
				"jobId":    job.ID,
				"agentId":  job.AgentID,
				"kind":     job.Kind,
				"action":   job.Action,
				"payload":  nonNilMap(job.Payload),
				"proofSha": digest,
			})
			if err != nil {
				return nil, fmt.Errorf("evaluating proof policy: %w", err)
			}
		}

		return map[string]any{
			"signature":     "sig-" + digest[:16],
			"proofSha":      digest,
			"policyVerdict": verdict,
		}, nil
	}
}

// proofDigest hashes the identifying fields of a job. json.Marshal sorts map
// keys, so equal jobs produce equal digests.
func proofDigest(job *store.Job) (string, error) {
	data, err := json.Marshal(map[string]any{
		"jobId":   job.ID,
		"agentId": job.AgentID,
		"kind":    job.Kind,
		"action":  job.Action,
		"payload": job.Payload,
	})
	if err != nil {
		return "", fmt.Errorf("encoding proof input: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Schedule confirms a slot, payload.at when given, otherwise one hour after creation.
func Schedule(_ context.Context, job *store.Job) (map[string]any, error) {
	at, _ := job.Payload["at"].(string)
	if at == "" {
		at = job.CreatedAt.Add(time.Hour).UTC().Format(time.RFC3339)
	}
	return map[string]any{
		"scheduledFor": at,
		"confirmed":    true,
	}, nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
