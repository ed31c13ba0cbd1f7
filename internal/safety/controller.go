// Package safety raises and lowers the flags that make host restarts safe:
// the distributed storage rebalance guard (Ceph "noout") and per-application
// maintenance flag files on stateful service hosts.
package safety

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rollmaint/rollmaint/internal/logging"
	"github.com/rollmaint/rollmaint/internal/platform/proxmox"
	"github.com/rollmaint/rollmaint/internal/util/retry"
)

// ConfirmationFailure means a flag write was accepted by the API but the
// read-back did not show the flag in the expected state. Proceeding on an
// unconfirmed flag risks a storage rebalance mid-restart, so this is never
// retried.
type ConfirmationFailure struct {
	Flag string
	Want bool
}

func (e *ConfirmationFailure) Error() string {
	state := "set"
	if !e.Want {
		state = "cleared"
	}
	return fmt.Sprintf("flag %s was not %s after write", e.Flag, state)
}

// CephAPI is the storage flag surface of the hypervisor API.
type CephAPI interface {
	SetCephFlag(ctx context.Context, flag string) error
	ClearCephFlag(ctx context.Context, flag string) error
	CephFlags(ctx context.Context) ([]proxmox.CephFlag, error)
}

// AppFlag toggles one application-level maintenance flag.
type AppFlag interface {
	Service() string
	Set(ctx context.Context) error
	Clear(ctx context.Context) error
}

// Token records which flags were raised so that exit touches exactly those.
type Token struct {
	CephFlag string
	Apps     []string
	IssuedAt time.Time
}

// Controller owns maintenance-mode entry and exit.
type Controller struct {
	ceph        CephAPI
	flag        string
	apps        []AppFlag
	log         zerolog.Logger
	cleanupOpts []retry.Option
}

// NewController creates a controller raising the given Ceph flag and the
// application flags on entry.
func NewController(ceph CephAPI, flag string, apps []AppFlag) *Controller {
	return &Controller{
		ceph:        ceph,
		flag:        flag,
		apps:        apps,
		log:         logging.WithComponent("safety"),
		cleanupOpts: retry.ForCleanup(),
	}
}

// EnterMaintenance raises the storage flag, confirms it by reading the flag
// list back, then raises each application flag. On error the returned token
// still records everything that was raised so ExitMaintenance can undo it.
func (c *Controller) EnterMaintenance(ctx context.Context) (*Token, error) {
	token := &Token{IssuedAt: time.Now()}

	if err := c.ceph.SetCephFlag(ctx, c.flag); err != nil {
		return token, fmt.Errorf("failed to set ceph flag %s: %w", c.flag, err)
	}
	set, err := c.cephFlagSet(ctx)
	if err != nil {
		return token, fmt.Errorf("failed to confirm ceph flag %s: %w", c.flag, err)
	}
	if !set {
		return token, &ConfirmationFailure{Flag: c.flag, Want: true}
	}
	token.CephFlag = c.flag
	c.log.Info().Str("flag", c.flag).Msg("storage safety flag set")

	for _, app := range c.apps {
		if err := app.Set(ctx); err != nil {
			return token, fmt.Errorf("failed to set maintenance flag for %s: %w", app.Service(), err)
		}
		token.Apps = append(token.Apps, app.Service())
		c.log.Info().Str("service", app.Service()).Msg("application maintenance flag set")
	}

	return token, nil
}

// ExitMaintenance lowers every flag the token records. All flags are
// attempted even when earlier ones fail; each is retried with the cleanup
// profile. A nil token is a no-op.
func (c *Controller) ExitMaintenance(ctx context.Context, token *Token) error {
	if token == nil {
		return nil
	}

	var errs []error

	raised := make(map[string]bool, len(token.Apps))
	for _, service := range token.Apps {
		raised[service] = true
	}
	for _, app := range c.apps {
		if !raised[app.Service()] {
			continue
		}
		err := retry.WithExponentialBackoff(ctx, func() error {
			return app.Clear(ctx)
		}, c.cleanupOpts...)
		if err != nil {
			c.log.Error().Err(err).Str("service", app.Service()).Msg("failed to clear application maintenance flag")
			errs = append(errs, fmt.Errorf("clear %s flag: %w", app.Service(), err))
			continue
		}
		c.log.Info().Str("service", app.Service()).Msg("application maintenance flag cleared")
	}

	if token.CephFlag != "" {
		err := retry.WithExponentialBackoff(ctx, func() error {
			if err := c.ceph.ClearCephFlag(ctx, token.CephFlag); err != nil {
				return classifyCephErr(err)
			}
			set, err := c.cephFlagSet(ctx)
			if err != nil {
				return classifyCephErr(err)
			}
			if set {
				return retry.Fatal(&ConfirmationFailure{Flag: token.CephFlag, Want: false})
			}
			return nil
		}, c.cleanupOpts...)
		if err != nil {
			c.log.Error().Err(err).Str("flag", token.CephFlag).Msg("failed to clear storage safety flag")
			errs = append(errs, fmt.Errorf("clear ceph flag %s: %w", token.CephFlag, err))
		} else {
			c.log.Info().Str("flag", token.CephFlag).Msg("storage safety flag cleared")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("maintenance exit left %d flag(s) in place: %w", len(errs), errs[0])
	}
	return nil
}

// classifyCephErr keeps the cleanup retry loop on transient errors only.
// Auth and other client errors repeat identically on every attempt.
func classifyCephErr(err error) error {
	if proxmox.IsAuthError(err) || !proxmox.IsTransient(err) {
		return retry.Fatal(err)
	}
	return err
}

func (c *Controller) cephFlagSet(ctx context.Context) (bool, error) {
	flags, err := c.ceph.CephFlags(ctx)
	if err != nil {
		return false, err
	}
	for _, f := range flags {
		if f.Name == c.flag {
			return f.Value == 1, nil
		}
	}
	return false, nil
}
