//go:build linux

package ifwatch

import (
	"context"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Run subscribes to link updates until ctx is done. Existing links are
// listed first so their initial state is known.
func (w *Watcher) Run(ctx context.Context) error {
	updates := make(chan netlink.LinkUpdate, 16)
	opts := netlink.LinkSubscribeOptions{
		ListExisting: true,
		ErrorCallback: func(err error) {
			w.logger.Warn("link subscription error", "error", err)
		},
	}
	if err := netlink.LinkSubscribeWithOptions(updates, ctx.Done(), opts); err != nil {
		return fmt.Errorf("failed to subscribe to link updates: %w", err)
	}
	w.logger.Info("watching zone interfaces")

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			w.Handle(fromUpdate(u))
		}
	}
}

func fromUpdate(u netlink.LinkUpdate) Change {
	attrs := u.Link.Attrs()
	return Change{
		Name:    attrs.Name,
		Index:   attrs.Index,
		Up:      attrs.Flags&net.FlagUp != 0 && attrs.OperState != netlink.OperDown,
		Removed: u.Header.Type == unix.RTM_DELLINK,
	}
}
