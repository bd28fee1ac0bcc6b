package redirect

import (
	"context"
	"sync"
)

// Dual fans one PortRedirector contract out to an IPv4 and an IPv6 backend.
// Each backend exclusively owns its family's rule table; Dual only merges
// their captured connections into one stream.
type Dual struct {
	v4, v6 PortRedirector

	ctx      context.Context
	once     sync.Once
	incoming chan *RedirectedConn
	errs     chan error
}

// NewDual wraps the two per-family backends. ctx bounds the lifetime of the
// internal accept pumps.
func NewDual(ctx context.Context, v4, v6 PortRedirector) *Dual {
	return &Dual{
		v4:       v4,
		v6:       v6,
		ctx:      ctx,
		incoming: make(chan *RedirectedConn),
		errs:     make(chan error, 2),
	}
}

func (d *Dual) Initialize() error {
	if err := d.v4.Initialize(); err != nil {
		return err
	}
	if err := d.v6.Initialize(); err != nil {
		return err
	}
	d.once.Do(func() {
		go d.pump(d.v4)
		go d.pump(d.v6)
	})
	return nil
}

func (d *Dual) pump(backend PortRedirector) {
	for {
		rc, err := backend.NextConnection(d.ctx)
		if err != nil {
			if d.ctx.Err() == nil {
				select {
				case d.errs <- err:
				default:
				}
			}
			return
		}
		select {
		case d.incoming <- rc:
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dual) AddRedirection(port uint16) error {
	if err := d.v4.AddRedirection(port); err != nil {
		return err
	}
	return d.v6.AddRedirection(port)
}

func (d *Dual) RemoveRedirection(port uint16) error {
	if err := d.v4.RemoveRedirection(port); err != nil {
		return err
	}
	return d.v6.RemoveRedirection(port)
}

func (d *Dual) Cleanup() error {
	d.v4.Cleanup()
	d.v6.Cleanup()
	return nil
}

func (d *Dual) NextConnection(ctx context.Context) (*RedirectedConn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-d.errs:
		return nil, err
	case rc := <-d.incoming:
		return rc, nil
	}
}
