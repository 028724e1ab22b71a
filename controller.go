package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// RunOptions are the inputs resolved before the run starts. Publish intent is
// decided here, once, never mid-run.
type RunOptions struct {
	WorkingDir string
	BaseRef    string
	Publish    bool
}

// runState tracks which resources are live. The cleanup path consults these
// flags and nothing else, so releasing twice is harmless.
type runState struct {
	sessionUp     bool
	transactionUp bool
	instanceUp    bool
}

// remoteSession is what the controller needs from a live SSH session.
type remoteSession interface {
	Remote
	ForwardPort(ctx context.Context, remotePort int) (string, error)
	Close() error
}

// Controller owns the run: it sequences detection, session, transaction,
// Galaxy, installation and verification exactly once, and guarantees
// reverse-order teardown on every exit path.
type Controller struct {
	cfg  *Config
	opts RunOptions

	// Seams for tests; defaults wire the real collaborators.
	detect   func(ctx context.Context) (ChangeSet, error)
	revision func(ctx context.Context) (string, error)
	dial     func(ctx context.Context, bundle DeploymentBundle) (remoteSession, error)
	wait     func(ctx context.Context, g *GalaxyInstance, baseURL string) error
	install  func(ctx context.Context, baseURL string, cs ChangeSet, g *GalaxyInstance) error

	state    runState
	session  remoteSession
	txn      *Transaction
	instance *GalaxyInstance
}

// NewController wires a controller against the real git tree, SSH transport
// and Galaxy API.
func NewController(cfg *Config, opts RunOptions) *Controller {
	c := &Controller{cfg: cfg, opts: opts}
	c.detect = func(ctx context.Context) (ChangeSet, error) {
		return DetectChanges(ctx, opts.WorkingDir, opts.BaseRef, cfg)
	}
	c.revision = func(ctx context.Context) (string, error) {
		return headRevision(ctx, opts.WorkingDir)
	}
	c.dial = func(ctx context.Context, bundle DeploymentBundle) (remoteSession, error) {
		return DialSession(ctx, bundle)
	}
	c.wait = func(ctx context.Context, g *GalaxyInstance, baseURL string) error {
		return g.WaitReady(ctx, baseURL)
	}
	c.install = func(ctx context.Context, baseURL string, cs ChangeSet, g *GalaxyInstance) error {
		return NewInstaller(baseURL, g.APIKey()).InstallAll(ctx, opts.WorkingDir, cs, g)
	}
	return c
}

// Run executes the whole pipeline. The returned noop flag distinguishes the
// deliberate nothing-to-do exit from a real success.
func (c *Controller) Run(ctx context.Context) (noop bool, err error) {
	logger := GetLogger(ctx).WithField("component", "controller")

	cs, err := c.detect(ctx)
	if err != nil {
		return false, err
	}
	if cs.Empty() {
		return true, nil
	}

	repo, bundle, err := c.cfg.Resolve(cs.Toolset)
	if err != nil {
		return false, err
	}
	logger = logger.WithFields(logrus.Fields{"toolset": cs.Toolset, "repo": repo})

	rev, err := c.revision(ctx)
	if err != nil {
		return false, fmt.Errorf("resolve HEAD revision: %w", err)
	}

	// Everything acquired below is released by cleanup in reverse order,
	// whatever happens first.
	defer c.cleanup(ctx)

	c.session, err = c.dial(ctx, bundle)
	if err != nil {
		return false, err
	}
	c.state.sessionUp = true

	c.txn, err = BeginTransaction(ctx, c.session, repo)
	if err != nil {
		return false, err
	}
	c.state.transactionUp = true

	// Flagged before Run so a failed launch still has its remote data dir
	// cleaned up; Stop is a no-op when nothing was created.
	c.instance = NewGalaxyInstance(c.session, bundle)
	c.state.instanceUp = true
	if err := c.instance.Run(ctx); err != nil {
		return false, err
	}

	localAddr, err := c.session.ForwardPort(ctx, GalaxyRemotePort)
	if err != nil {
		return false, err
	}
	baseURL := "http://" + localAddr

	if err := c.wait(ctx, c.instance, baseURL); err != nil {
		return false, err
	}

	if err := c.install(ctx, baseURL, cs, c.instance); err != nil {
		return false, err
	}

	verifier := NewVerifier(c.session, repo, bundle)
	if err := verifier.Verify(ctx); err != nil {
		return false, err
	}
	if err := verifier.NormalizePermissions(ctx); err != nil {
		return false, err
	}
	if err := verifier.PruneTarballs(ctx); err != nil {
		return false, err
	}
	if err := verifier.RepairCondaLinks(ctx); err != nil {
		return false, err
	}

	if err := c.instance.Stop(ctx); err != nil {
		return false, err
	}
	c.state.instanceUp = false

	if c.opts.Publish {
		if err := c.txn.Publish(ctx, rev); err != nil {
			return false, err
		}
		logger.WithField("revision", rev).Info("transaction published")
	} else {
		if err := c.txn.Abort(ctx); err != nil {
			return false, err
		}
		logger.Info("publish intent not set, transaction aborted")
	}
	c.state.transactionUp = false

	if err := c.session.Close(); err != nil {
		return false, fmt.Errorf("close session: %w", err)
	}
	c.state.sessionUp = false

	return false, nil
}

// cleanup releases whatever is still live, in strict reverse acquisition
// order: instance, transaction, session. It is safe to call any number of
// times; each flag is cleared after its release attempt so a resource is
// never torn down twice. Teardown runs even when the run's context is
// already canceled.
func (c *Controller) cleanup(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	logger := GetLogger(ctx).WithField("component", "controller")

	if c.state.instanceUp {
		if err := c.instance.Stop(ctx); err != nil {
			logger.WithError(err).Error("failed to stop galaxy instance during cleanup")
		}
		c.state.instanceUp = false
	}
	if c.state.transactionUp {
		if err := c.txn.Abort(ctx); err != nil {
			logger.WithError(err).Error("failed to abort transaction during cleanup")
		}
		c.state.transactionUp = false
	}
	if c.state.sessionUp {
		if err := c.session.Close(); err != nil {
			logger.WithError(err).Error("failed to close session during cleanup")
		}
		c.state.sessionUp = false
	}
}
