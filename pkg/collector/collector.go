// Package collector walks the Proxmox VE API and assembles a cluster
// Snapshot for manifest generation.
package collector

import (
	"context"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jxucoder/pveprov/pkg/proxmox"
)

// DefaultRate is the default number of API requests per second.
const DefaultRate = 10

// Fetcher is the subset of *proxmox.Client the collector needs.
type Fetcher interface {
	FetchData(ctx context.Context, sess *proxmox.Session, path string, out any) error
}

// Collector gathers cluster state one request at a time.
type Collector struct {
	fetcher Fetcher
	limiter *rate.Limiter
	log     *zap.SugaredLogger
	now     func() time.Time
}

// Option customises a Collector.
type Option func(*Collector)

// WithRate limits requests to rps per second. Zero or less disables pacing.
func WithRate(rps float64) Option {
	return func(c *Collector) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Collector) { c.log = l }
}

// New creates a Collector reading through f.
func New(f Fetcher, opts ...Option) *Collector {
	c := &Collector{
		fetcher: f,
		limiter: rate.NewLimiter(rate.Limit(DefaultRate), 1),
		log:     zap.NewNop().Sugar(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect runs the full walk:
//
//	cluster/resources, cluster/status
//	nodes, then per online node: status, storage, and per storage its
//	status and (when active) content
//	storage
//
// Endpoints that answer with a non-200 status are recorded in
// Snapshot.Errors and skipped. Any other failure aborts the walk.
func (c *Collector) Collect(ctx context.Context, sess *proxmox.Session) (*Snapshot, error) {
	snap := &Snapshot{
		ID:          uuid.New().String()[:8],
		CollectedAt: c.now().UTC(),
	}

	if _, err := c.get(ctx, sess, snap, "cluster/resources", &snap.Resources); err != nil {
		return nil, err
	}
	if _, err := c.get(ctx, sess, snap, "cluster/status", &snap.Status); err != nil {
		return nil, err
	}

	var nodes []Node
	ok, err := c.get(ctx, sess, snap, "nodes", &nodes)
	if err != nil {
		return nil, err
	}
	if ok {
		for i := range nodes {
			if !nodes[i].Online() {
				c.log.Infow("skipping node", "node", nodes[i].Name, "status", nodes[i].Status)
				continue
			}
			if err := c.collectNode(ctx, sess, snap, &nodes[i]); err != nil {
				return nil, err
			}
		}
	}
	snap.Nodes = nodes

	if _, err := c.get(ctx, sess, snap, "storage", &snap.Storage); err != nil {
		return nil, err
	}

	c.log.Infow("snapshot collected",
		"id", snap.ID,
		"nodes", len(snap.Nodes),
		"online", len(snap.OnlineNodes()),
		"failed_endpoints", len(snap.Errors),
	)
	return snap, nil
}

func (c *Collector) collectNode(ctx context.Context, sess *proxmox.Session, snap *Snapshot, n *Node) error {
	base := "nodes/" + url.PathEscape(n.Name)

	if _, err := c.get(ctx, sess, snap, base+"/status", &n.Detail); err != nil {
		return err
	}

	var storages []Storage
	ok, err := c.get(ctx, sess, snap, base+"/storage", &storages)
	if err != nil || !ok {
		return err
	}
	for i := range storages {
		s := &storages[i]
		sbase := base + "/storage/" + url.PathEscape(s.Name)
		if _, err := c.get(ctx, sess, snap, sbase+"/status", &s.Status); err != nil {
			return err
		}
		if !s.IsActive() {
			continue
		}
		if _, err := c.get(ctx, sess, snap, sbase+"/content", &s.Items); err != nil {
			return err
		}
	}
	n.Storages = storages
	return nil
}

// get fetches one endpoint. ok is false when the endpoint failed with a
// recorded RequestError.
func (c *Collector) get(ctx context.Context, sess *proxmox.Session, snap *Snapshot, path string, out any) (bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return false, errors.Wrap(err, "waiting for rate limiter")
	}
	err := c.fetcher.FetchData(ctx, sess, path, out)
	if err == nil {
		return true, nil
	}

	var reqErr *proxmox.RequestError
	if errors.As(err, &reqErr) {
		c.log.Warnw("endpoint failed", "path", path, "status", reqErr.StatusCode)
		snap.Errors = append(snap.Errors, EndpointError{
			Path:       path,
			StatusCode: reqErr.StatusCode,
			Message:    reqErr.Error(),
		})
		return false, nil
	}
	return false, errors.Wrapf(err, "collecting %s", path)
}
