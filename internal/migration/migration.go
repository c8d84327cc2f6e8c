// Package migration implements live (zero-downtime) migration of an open,
// hot event stream into a successor stream while writers keep appending:
// iterative catch-up, a verified close of the source, and an atomic
// linkage hand-off through the object-document registry.
package migration

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"time"

	"github.com/eventkeep/storeruntime/internal/canonical"
	"github.com/eventkeep/storeruntime/internal/eventstore"
	"github.com/eventkeep/storeruntime/internal/registry"
	"github.com/eventkeep/storeruntime/internal/signer"
	"github.com/eventkeep/storeruntime/internal/streamdoc"
)

// FailureStrategy controls what ATTEMPT_CLOSE does with non-conflict errors.
type FailureStrategy int

const (
	// Fail aborts the migration on the first non-conflict close error. This
	// is the zero value: a caller who never sets FailureStrategy gets the
	// source's literal behavior ("any other exception -> FAIL").
	Fail FailureStrategy = iota
	// KeepTrying treats every close failure as retriable and loops back to
	// CATCH_UP. Use only when the caller is confident transient errors will
	// eventually clear.
	KeepTrying
)

var (
	ErrMaxIterationsExceeded = errors.New("migration: max iterations exceeded")
	ErrCloseTimeout          = errors.New("migration: close timeout elapsed")
	ErrTransformFailure      = errors.New("migration: transform failed for event")
)

// conflictPattern matches transport errors that are shaped like a lost
// optimistic-concurrency race, even when they didn't arrive as a typed
// eventstore.ErrOptimisticConcurrency (e.g. a raw backend error string).
var conflictPattern = regexp.MustCompile(`(?i)conflict|etag|precondition`)

// Transformer maps a source event to its target-stream form. Returning a
// non-nil error causes the event to be skipped, not the migration aborted.
type Transformer func(ctx context.Context, e streamdoc.Event) (streamdoc.Event, error)

// EventProgress is passed to the per-event callbacks.
type EventProgress struct {
	Event            streamdoc.Event
	TotalEventsCopied int
}

// CatchUpProgress is passed to onCatchUpProgress after each iteration.
type CatchUpProgress struct {
	Iteration         int
	SourceVersion     int64
	TargetVersion     int64
	TotalEventsCopied int
}

// Options configures a live migration run. Zero-value callbacks are valid:
// the engine calls them only if non-nil.
type Options struct {
	CloseTimeout    time.Duration
	CatchUpDelay    time.Duration
	MaxIterations   int // 0 = unlimited
	FailureStrategy FailureStrategy

	OnCatchUpProgress func(CatchUpProgress)
	OnEventCopied     func(ctx context.Context, p EventProgress) error
	OnBeforeAppend    func(ctx context.Context, p EventProgress) error

	// Signer, when set, attests the closure marker with a signature over its
	// canonical bytes. Purely additive: migrations behave identically with
	// Signer left nil.
	Signer signer.Signer
}

func (o Options) withDefaults() Options {
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = 5 * time.Minute
	}
	if o.CatchUpDelay < 0 {
		o.CatchUpDelay = 0
	}
	return o
}

// LiveMigrationContext is the input to a single live migration run.
type LiveMigrationContext struct {
	MigrationID      string
	SourceDocument   *registry.ObjectDocument
	TargetDocument   *registry.ObjectDocument
	DataStore        string
	DocumentStore    string
	Options          Options
	Transformer      Transformer
}

// LiveMigrationResult is the outcome of a live migration run.
type LiveMigrationResult struct {
	Success           bool
	MigrationID       string
	SourceStreamID    string
	TargetStreamID    string
	TotalEventsCopied int
	Iterations        int
	ElapsedTime       time.Duration
	Err               error
}

// IsFailure reports the inverse of Success.
func (r LiveMigrationResult) IsFailure() bool { return !r.Success }

// Engine runs live migrations over a single event store and registry.
type Engine struct {
	events   *eventstore.Store
	registry *registry.Registry
	clock    func() time.Time
	sleep    func(context.Context, time.Duration) error
}

// New creates an Engine over the given event store and registry.
func New(events *eventstore.Store, reg *registry.Registry) *Engine {
	return &Engine{
		events:   events,
		registry: reg,
		clock:    time.Now,
		sleep:    sleepWithContext,
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func identityTransform(_ context.Context, e streamdoc.Event) (streamdoc.Event, error) {
	return e, nil
}

// Run executes the full CATCH_UP -> ATTEMPT_CLOSE -> POST_CLOSE_VERIFY ->
// LINK -> DONE state machine for mc, never returning an error: failures are
// reported through LiveMigrationResult.Err with Success=false, matching the engine's
// no-throw policy.
func (eng *Engine) Run(ctx context.Context, mc LiveMigrationContext) LiveMigrationResult {
	start := eng.clock()
	opts := mc.Options.withDefaults()
	transform := mc.Transformer
	if transform == nil {
		transform = identityTransform
	}

	result := LiveMigrationResult{
		MigrationID:    mc.MigrationID,
		SourceStreamID: mc.SourceDocument.Active.StreamIdentifier,
		TargetStreamID: mc.TargetDocument.Active.StreamIdentifier,
	}

	deadline := start.Add(opts.CloseTimeout)
	totalCopied := 0
	iterations := 0

	fail := func(err error) LiveMigrationResult {
		result.Err = err
		result.Iterations = iterations
		result.TotalEventsCopied = totalCopied
		result.ElapsedTime = eng.clock().Sub(start)
		return result
	}

	for {
		// CATCH_UP: loop until the source holds still, bounded by
		// maxIterations and closeTimeout.
		var lastSourceVersion int64 = -1
		for {
			iterations++
			if opts.MaxIterations > 0 && iterations > opts.MaxIterations {
				return fail(ErrMaxIterationsExceeded)
			}
			if eng.clock().After(deadline) {
				return fail(ErrCloseTimeout)
			}

			sourceVersion, targetVersion, _, err := eng.catchUp(ctx, &mc, transform, &totalCopied, opts)
			if err != nil {
				return fail(err)
			}
			lastSourceVersion = sourceVersion

			if opts.OnCatchUpProgress != nil {
				opts.OnCatchUpProgress(CatchUpProgress{
					Iteration:         iterations,
					SourceVersion:     sourceVersion,
					TargetVersion:     targetVersion,
					TotalEventsCopied: totalCopied,
				})
			}

			if sourceVersion == targetVersion {
				break
			}
			if err := eng.sleep(ctx, opts.CatchUpDelay); err != nil {
				return fail(fmt.Errorf("migration: cancelled during catch-up: %w", err))
			}
		}

		// ATTEMPT_CLOSE + POST_CLOSE_VERIFY.
		_, closeErr := eng.closeAndVerify(ctx, &mc, transform, &totalCopied, lastSourceVersion, opts)
		if closeErr == nil {
			break
		}
		var retry retrySignal
		if errors.As(closeErr, &retry) {
			continue // source moved or the close attempt conflicted: back to CATCH_UP.
		}
		if opts.FailureStrategy == KeepTrying {
			continue
		}
		return fail(closeErr)
	}

	if err := eng.link(ctx, &mc); err != nil {
		return fail(fmt.Errorf("migration: link: %w", err))
	}

	result.Success = true
	result.Iterations = iterations
	result.TotalEventsCopied = totalCopied
	result.ElapsedTime = eng.clock().Sub(start)
	return result
}

func maxVersion(events []streamdoc.Event) int64 {
	if len(events) == 0 {
		return -1
	}
	return int64(events[len(events)-1].EventVersion)
}

// catchUp reads source events past the target's current version and
// replays them onto the target, skipping the closure marker entirely (it is
// never copied) and any event whose transform errors.
func (eng *Engine) catchUp(ctx context.Context, mc *LiveMigrationContext, transform Transformer, totalCopied *int, opts Options) (sourceVersion, targetVersion int64, copiedThisRound int, err error) {
	sourceEvents, _, err := eng.events.Read(ctx, mc.SourceDocument, 0, ^uint32(0), nil)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("migration: read source: %w", err)
	}
	targetEvents, _, err := eng.events.Read(ctx, mc.TargetDocument, 0, ^uint32(0), nil)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("migration: read target: %w", err)
	}

	sV := maxVersion(sourceEvents)
	tV := maxVersion(targetEvents)
	if sV <= tV {
		return sV, tV, 0, nil
	}

	var fromVersion uint32
	if tV >= 0 {
		fromVersion = uint32(tV) + 1
	}

	for _, e := range sourceEvents {
		if e.EventVersion < fromVersion {
			continue
		}
		if err := ctx.Err(); err != nil {
			return sV, tV, copiedThisRound, fmt.Errorf("migration: cancelled during catch-up copy: %w", err)
		}
		if e.IsClosureMarker() {
			continue
		}

		progress := EventProgress{Event: e, TotalEventsCopied: *totalCopied}
		if opts.OnBeforeAppend != nil {
			if err := opts.OnBeforeAppend(ctx, progress); err != nil {
				return sV, tV, copiedThisRound, fmt.Errorf("migration: onBeforeAppend: %w", err)
			}
		}

		transformed, terr := transform(ctx, e)
		if terr != nil {
			// TransformFailure is logged and the offending event skipped,
			// not treated as a migration-aborting error.
			log.Printf("[migration] %s: %v at version %d: %v", mc.MigrationID, ErrTransformFailure, e.EventVersion, terr)
			continue
		}

		if _, err := eng.events.Append(ctx, mc.TargetDocument, "", []streamdoc.Event{transformed}, true); err != nil {
			return sV, tV, copiedThisRound, fmt.Errorf("migration: append to target: %w", err)
		}
		*totalCopied++
		copiedThisRound++
		if opts.OnEventCopied != nil {
			if err := opts.OnEventCopied(ctx, EventProgress{Event: transformed, TotalEventsCopied: *totalCopied}); err != nil {
				return sV, tV, copiedThisRound, fmt.Errorf("migration: onEventCopied: %w", err)
			}
		}
	}

	return sV, tV, copiedThisRound, nil
}

// closeAndVerify performs ATTEMPT_CLOSE followed by POST_CLOSE_VERIFY,
// looping back into catch-up whenever the close attempt is conflict-shaped.
func (eng *Engine) closeAndVerify(ctx context.Context, mc *LiveMigrationContext, transform Transformer, totalCopied *int, expectedSourceVersion int64, opts Options) (int, error) {
	for {
		sourceEvents, _, err := eng.events.Read(ctx, mc.SourceDocument, 0, ^uint32(0), nil)
		if err != nil {
			return 0, fmt.Errorf("migration: reload source: %w", err)
		}
		sVPrime := maxVersion(sourceEvents)
		if sVPrime != expectedSourceVersion {
			// Source moved since the last catch-up snapshot; caller loops
			// back to CATCH_UP by returning a retry-shaped sentinel.
			return 0, retrySignal{}
		}

		payload := streamdoc.ClosurePayload{
			ContinuationStreamID: mc.TargetDocument.Active.StreamIdentifier,
			MigrationID:          mc.MigrationID,
			ClosedAt:             eng.clock().UTC(),
			SourceStreamType:     mc.SourceDocument.Active.StreamType,
			TargetStreamType:     mc.TargetDocument.Active.StreamType,
			SourceDataStore:      mc.DataStore,
			TargetDataStore:      mc.DataStore,
			TargetDocumentStore:  mc.DocumentStore,
		}
		closure := streamdoc.Event{
			EventType: streamdoc.ClosedEventType,
			Payload:   mustMarshalClosure(payload),
		}
		if opts.Signer != nil {
			metadata, err := signClosurePayload(opts.Signer, payload)
			if err != nil {
				return 0, fmt.Errorf("migration: sign closure: %w", err)
			}
			closure.Metadata = metadata
		}

		_, appendErr := eng.events.Append(ctx, mc.SourceDocument, "", []streamdoc.Event{closure}, false)
		if appendErr == nil {
			break
		}
		if isConflictShaped(appendErr) {
			return 0, retrySignal{}
		}
		return 0, fmt.Errorf("migration: attempt close: %w", appendErr)
	}

	// POST_CLOSE_VERIFY: between the version check and the successful
	// closure append, another writer could have appended ordinary events.
	lateEvents, _, err := eng.events.Read(ctx, mc.SourceDocument, uint32(expectedSourceVersion+1), ^uint32(0), nil)
	if err != nil {
		return 0, fmt.Errorf("migration: post-close verify read: %w", err)
	}

	copied := 0
	for _, e := range lateEvents {
		if e.IsClosureMarker() {
			continue
		}
		progress := EventProgress{Event: e, TotalEventsCopied: *totalCopied}
		if opts.OnBeforeAppend != nil {
			if err := opts.OnBeforeAppend(ctx, progress); err != nil {
				return copied, fmt.Errorf("migration: onBeforeAppend (late): %w", err)
			}
		}
		transformed, terr := transform(ctx, e)
		if terr != nil {
			log.Printf("[migration] %s: %v at version %d (late): %v", mc.MigrationID, ErrTransformFailure, e.EventVersion, terr)
			continue
		}
		if _, err := eng.events.Append(ctx, mc.TargetDocument, "", []streamdoc.Event{transformed}, true); err != nil {
			return copied, fmt.Errorf("migration: append late event to target: %w", err)
		}
		*totalCopied++
		copied++
		if opts.OnEventCopied != nil {
			if err := opts.OnEventCopied(ctx, EventProgress{Event: transformed, TotalEventsCopied: *totalCopied}); err != nil {
				return copied, fmt.Errorf("migration: onEventCopied (late): %w", err)
			}
		}
	}

	return copied, nil
}

// retrySignal is a private sentinel meaning "loop back to CATCH_UP"; it is
// never surfaced in a LiveMigrationResult.Err because Run intercepts it before storing.
type retrySignal struct{}

func (retrySignal) Error() string { return "migration: close attempt conflicted, retrying catch-up" }

func isConflictShaped(err error) bool {
	if errors.Is(err, eventstore.ErrOptimisticConcurrency) || errors.Is(err, eventstore.ErrConcurrentStreamCreation) {
		return true
	}
	return conflictPattern.MatchString(err.Error())
}

func mustMarshalClosure(p streamdoc.ClosurePayload) json.RawMessage {
	body, err := json.Marshal(p)
	if err != nil {
		// ClosurePayload is a fixed, JSON-safe shape; this cannot fail in practice.
		return json.RawMessage(`{}`)
	}
	return body
}

// link performs the atomic hand-off: record the source as terminated with
// a continuation pointing at the target, and flip active to the target.
func (eng *Engine) link(ctx context.Context, mc *LiveMigrationContext) error {
	doc, ok, err := eng.registry.Get(ctx, mc.SourceDocument.ObjectName, mc.SourceDocument.ObjectID)
	if err != nil {
		return fmt.Errorf("load object document: %w", err)
	}
	if !ok {
		return fmt.Errorf("object document %s/%s not found", mc.SourceDocument.ObjectName, mc.SourceDocument.ObjectID)
	}

	doc.TerminatedStreams = append(doc.TerminatedStreams, registry.TerminatedStream{
		StreamIdentifier:     mc.SourceDocument.Active.StreamIdentifier,
		StreamType:           mc.SourceDocument.Active.StreamType,
		Reason:               "live-migration",
		ContinuationStreamID: mc.TargetDocument.Active.StreamIdentifier,
	})
	doc.Active = mc.TargetDocument.Active

	if err := eng.registry.Set(ctx, doc); err != nil {
		return fmt.Errorf("persist linkage: %w", err)
	}
	return nil
}

const (
	closureSignatureMetadataKey = "migrationSignature"
	closureSignerIDMetadataKey  = "migrationSignerId"
)

// signClosurePayload signs the canonical bytes of payload with s, returning
// the metadata pair to attach to the closure event.
func signClosurePayload(s signer.Signer, payload streamdoc.ClosurePayload) (map[string]string, error) {
	canon, err := canonicalClosureBytes(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize closure payload: %w", err)
	}
	sig, signerID, err := s.Sign(canon)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return map[string]string{
		closureSignatureMetadataKey: base64.StdEncoding.EncodeToString(sig),
		closureSignerIDMetadataKey:  signerID,
	}, nil
}

// canonicalClosureBytes produces the deterministic byte sequence a signer
// signs and a verifier re-derives: the stable-key-ordered JSON of payload.
func canonicalClosureBytes(payload streamdoc.ClosurePayload) ([]byte, error) {
	return canonical.MarshalJSONCanonical(payload)
}

// VerifyMigrationClosure checks the Ed25519 signature an Engine attached to
// a closure event (via Options.Signer) against pubKey. It returns false,
// nil for an event that carries no signature at all — absence of a
// signature is never itself an error, matching the enrichment's purely
// additive contract.
func VerifyMigrationClosure(pubKey []byte, e streamdoc.Event) (bool, error) {
	if !e.IsClosureMarker() {
		return false, fmt.Errorf("migration: event %q is not a closure marker", e.EventType)
	}
	sigB64, ok := e.Metadata[closureSignatureMetadataKey]
	if !ok || sigB64 == "" {
		return false, nil
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, fmt.Errorf("migration: decode signature: %w", err)
	}

	var payload streamdoc.ClosurePayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return false, fmt.Errorf("migration: decode closure payload: %w", err)
	}
	canon, err := canonicalClosureBytes(payload)
	if err != nil {
		return false, fmt.Errorf("migration: canonicalize closure payload: %w", err)
	}

	return ed25519.Verify(ed25519.PublicKey(pubKey), canon, sig), nil
}
