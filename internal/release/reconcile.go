package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/schaermu/vttrelease/internal/manifest"
	"golang.org/x/sync/errgroup"
)

// DefaultLatestTag is the tag of the rolling latest release
const DefaultLatestTag = "latest"

// Policy decides which channels transition and how releases are created
type Policy struct {
	// Stable is the predicate gating the latest channel, typically "the
	// triggering ref is the designated stable branch".
	Stable bool
	// AllowUpdates permits replacing assets on an existing release
	AllowUpdates bool
	Draft        bool
	Prerelease   bool
	// LatestTag is the tag of the latest channel, DefaultLatestTag if empty
	LatestTag string
	// TagPrefix precedes the version in versioned tags
	TagPrefix string
	// NameTemplate names new releases. {id}, {title}, {version} and {tag}
	// are substituted. Empty means the tag.
	NameTemplate string
	Body         string
}

func (p Policy) latestTag() string {
	if p.LatestTag == "" {
		return DefaultLatestTag
	}
	return p.LatestTag
}

func (p Policy) releaseName(tag string, artifacts Artifacts) string {
	if p.NameTemplate == "" {
		return tag
	}
	return strings.NewReplacer(
		"{id}", artifacts.ModuleID,
		"{title}", artifacts.Title,
		"{version}", artifacts.Version,
		"{tag}", tag,
	).Replace(p.NameTemplate)
}

// Reconciler drives channels to their target state against a Store
type Reconciler struct {
	store       Store
	logger      *slog.Logger
	retry       RetryPolicy
	concurrency int
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithRetry sets the retry policy for store calls
func WithRetry(policy RetryPolicy) Option {
	return func(r *Reconciler) { r.retry = policy }
}

// WithConcurrency bounds how many channels are reconciled at once
func WithConcurrency(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// NewReconciler creates a reconciler for store
func NewReconciler(store Store, logger *slog.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:       store,
		logger:      logger,
		retry:       DefaultRetryPolicy,
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile creates or updates the release of every channel and returns
// one result per channel, in input order. Channels run independently;
// failures are reported in their result and never abort siblings.
func (r *Reconciler) Reconcile(ctx context.Context, channels []Channel, artifacts Artifacts, policy Policy) []Result {
	return r.run(ctx, channels, artifacts, policy, r.reconcileChannel)
}

// Plan reports the state each channel would reach without mutating the
// store. Only lookups are performed.
func (r *Reconciler) Plan(ctx context.Context, channels []Channel, artifacts Artifacts, policy Policy) []Result {
	results := r.run(ctx, channels, artifacts, policy, r.planChannel)
	for i := range results {
		results[i].Planned = true
	}
	return results
}

type channelFunc func(ctx context.Context, res Result, artifacts Artifacts, policy Policy) Result

func (r *Reconciler) run(ctx context.Context, channels []Channel, artifacts Artifacts, policy Policy, fn channelFunc) []Result {
	results := r.prepare(channels, artifacts, policy)

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i := range results {
		if results[i].State != "" {
			continue
		}
		i := i
		g.Go(func() error {
			results[i] = fn(ctx, results[i], artifacts, policy)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// prepare resolves every channel's tag and settles the channels that
// need no store call: skipped latest, and policy violations. Unsettled
// results have an empty State.
func (r *Reconciler) prepare(channels []Channel, artifacts Artifacts, policy Policy) []Result {
	results := make([]Result, len(channels))
	claimed := make(map[string]bool, len(channels))

	for i, ch := range channels {
		res := Result{Channel: ch}

		if ch.Kind == KindLatest {
			res.Tag = policy.latestTag()
			if !policy.Stable {
				r.logger.Info("skipping latest channel, ref is not stable", "tag", res.Tag)
				res.State = StateSkipped
				results[i] = res
				continue
			}
		} else {
			res.Tag = ch.Tag
			if res.Tag == "" {
				res.Tag = policy.TagPrefix + artifacts.Version
			}
		}

		if err := checkChannel(ch, res.Tag, artifacts, policy); err != nil {
			res.State = StateFailed
			res.Err = &PolicyError{Tag: res.Tag, Err: err}
		} else if claimed[res.Tag] {
			res.State = StateFailed
			res.Err = &PolicyError{Tag: res.Tag, Err: ErrDuplicateTag}
		} else {
			claimed[res.Tag] = true
		}

		if res.Err != nil {
			r.logger.Error("channel rejected", "channel", ch.String(), "tag", res.Tag, "error", res.Err)
		}
		results[i] = res
	}
	return results
}

// checkChannel validates the tag and, for versioned channels, that the
// tag carries the version being released.
func checkChannel(ch Channel, tag string, artifacts Artifacts, policy Policy) error {
	if err := ValidateTag(tag); err != nil {
		return err
	}
	if ch.Kind != KindVersioned {
		return nil
	}

	version, err := manifest.NormalizeVersion(strings.TrimPrefix(tag, policy.TagPrefix))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTag, err)
	}
	want, err := manifest.NormalizeVersion(artifacts.Version)
	if err != nil {
		return fmt.Errorf("%w: artifacts: %v", ErrVersionMismatch, err)
	}
	if version != want {
		return fmt.Errorf("%w: tag %s is version %s, module is %s", ErrVersionMismatch, tag, version, want)
	}
	return nil
}

func (r *Reconciler) reconcileChannel(ctx context.Context, res Result, artifacts Artifacts, policy Policy) Result {
	logger := r.logger.With("channel", res.Channel.String(), "tag", res.Tag)

	if err := ctx.Err(); err != nil {
		return timedOut(res, "start", err)
	}

	existing, err := r.find(ctx, logger, res.Tag)
	if err != nil {
		return failed(ctx, res, "find", err)
	}

	publisher, canPublish := r.store.(Publisher)
	// A draft left behind by an interrupted creation is finished rather
	// than treated as an existing release.
	resume := existing != nil && existing.Draft && !policy.Draft && canPublish

	assets := artifacts.SortedAssets()
	var rec *Record
	switch {
	case existing == nil:
		spec := ReleaseSpec{
			Tag:        res.Tag,
			Name:       policy.releaseName(res.Tag, artifacts),
			Body:       policy.Body,
			Draft:      policy.Draft || canPublish,
			Prerelease: policy.Prerelease,
		}
		logger.Info("creating release", "name", spec.Name, "draft", spec.Draft)
		err = retry(ctx, r.retry, logger, "create", func(ctx context.Context) error {
			created, err := r.store.CreateRelease(ctx, spec)
			rec = created
			return err
		})
		if err != nil {
			return failed(ctx, res, "create", err)
		}
		res.State = StateCreated

	case resume:
		logger.Info("resuming interrupted release creation")
		rec = existing
		res.State = StateCreated

	default:
		if !policy.AllowUpdates {
			res.State = StateFailed
			res.Record = existing
			res.Err = &ChannelError{Tag: res.Tag, Op: "update", Err: ErrReleaseExists}
			logger.Error("release exists and updates are disabled")
			return res
		}
		rec = existing
		res.State = StateUpdated
	}

	logger.Info("uploading assets", "count", len(assets), "digest", artifacts.Digest)
	var updated *Record
	err = retry(ctx, r.retry, logger, "upsert", func(ctx context.Context) error {
		out, err := r.store.UpsertAssets(ctx, rec, assets)
		updated = out
		return err
	})
	if err != nil {
		return failed(ctx, res, "upsert", err)
	}
	rec = updated

	if canPublish && rec.Draft && !policy.Draft {
		logger.Info("publishing release")
		var published *Record
		err = retry(ctx, r.retry, logger, "publish", func(ctx context.Context) error {
			out, err := publisher.PublishRelease(ctx, rec)
			published = out
			return err
		})
		if err != nil {
			return failed(ctx, res, "publish", err)
		}
		rec = published
	}

	res.Record = rec
	logger.Info("channel reconciled", "state", res.State, "url", rec.URL)
	return res
}

func (r *Reconciler) planChannel(ctx context.Context, res Result, _ Artifacts, policy Policy) Result {
	logger := r.logger.With("channel", res.Channel.String(), "tag", res.Tag)

	if err := ctx.Err(); err != nil {
		return timedOut(res, "start", err)
	}

	existing, err := r.find(ctx, logger, res.Tag)
	if err != nil {
		return failed(ctx, res, "find", err)
	}

	_, canPublish := r.store.(Publisher)
	switch {
	case existing == nil:
		res.State = StateCreated
	case existing.Draft && !policy.Draft && canPublish:
		res.State = StateCreated
		res.Record = existing
	case !policy.AllowUpdates:
		res.State = StateFailed
		res.Record = existing
		res.Err = &ChannelError{Tag: res.Tag, Op: "update", Err: ErrReleaseExists}
	default:
		res.State = StateUpdated
		res.Record = existing
	}
	logger.Info("[dry-run] channel plan", "state", res.State)
	return res
}

func (r *Reconciler) find(ctx context.Context, logger *slog.Logger, tag string) (*Record, error) {
	var existing *Record
	err := retry(ctx, r.retry, logger, "find", func(ctx context.Context) error {
		found, err := r.store.FindRelease(ctx, tag)
		existing = found
		return err
	})
	return existing, err
}

// failed reports a store error, as a timeout when the deadline is what
// stopped the channel.
func failed(ctx context.Context, res Result, op string, err error) Result {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return timedOut(res, op, err)
	}
	res.State = StateFailed
	res.Err = &ChannelError{Tag: res.Tag, Op: op, Err: err}
	return res
}

func timedOut(res Result, op string, err error) Result {
	res.State = StateTimeout
	res.Err = &ChannelError{Tag: res.Tag, Op: op, Err: fmt.Errorf("%w: %w", ErrTimeout, err)}
	return res
}
