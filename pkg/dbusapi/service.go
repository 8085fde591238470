// Package dbusapi exports the daemon's control surface on the system bus:
// the VM lifecycle hooks libvirt calls, plus the Target property and the
// Toggle method a client can use to inspect or drive focus directly.
package dbusapi

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
	"github.com/sirupsen/logrus"

	"github.com/akeydo/akeydo/pkg/domainxml"
	"github.com/akeydo/akeydo/pkg/orchestrator"
)

var log = logrus.WithField("component", "dbusapi")

// requestNameTimeout bounds how long the service waits to acquire its bus
// name before giving up, so a misconfigured or already-running daemon
// fails fast instead of hanging the unit's startup.
const requestNameTimeout = 30 * time.Second

// Focus is the orchestrator surface the D-Bus service drives.
type Focus interface {
	orchestrator.FocusReader
	Prepare(ctx context.Context, guest domainxml.GuestConfig) (bool, error)
	Release(ctx context.Context, guest domainxml.GuestConfig) (bool, error)
	Toggle(ctx context.Context) error
}

// Service implements the dev.akeydo D-Bus interface.
type Service struct {
	conn       *dbus.Conn
	focus      Focus
	busName    string
	objectPath dbus.ObjectPath
	props      *prop.Properties
}

// New connects to the system bus, exports the object, and requests the bus
// name, failing if another instance already owns it or the request times
// out.
func New(ctx context.Context, focus Focus, busName, objectPath string) (*Service, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("dbusapi: connect to system bus: %w", err)
	}

	s := &Service{
		conn:       conn,
		focus:      focus,
		busName:    busName,
		objectPath: dbus.ObjectPath(objectPath),
	}

	if err := conn.Export(s, s.objectPath, busName); err != nil {
		conn.Close()
		return nil, fmt.Errorf("dbusapi: export object: %w", err)
	}

	propsSpec := map[string]map[string]*prop.Prop{
		busName: {
			"Target": {
				Value:    "",
				Writable: false,
				Emit:     prop.EmitTrue,
				Callback: nil,
			},
		},
	}
	props, err := prop.Export(conn, s.objectPath, propsSpec)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("dbusapi: export properties: %w", err)
	}
	s.props = props

	node := &introspect.Node{
		Name: objectPath,
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name: busName,
				Methods: []introspect.Method{
					{Name: "Prepare"},
					{Name: "Release"},
					{Name: "Toggle"},
				},
				Properties: []introspect.Property{
					{Name: "Target", Type: "s", Access: "read"},
				},
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), s.objectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("dbusapi: export introspection: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestNameTimeout)
	defer cancel()
	if err := s.requestName(reqCtx); err != nil {
		conn.Close()
		return nil, err
	}

	return s, nil
}

func (s *Service) requestName(ctx context.Context) error {
	result := make(chan error, 1)
	go func() {
		reply, err := s.conn.RequestName(s.busName, dbus.NameFlagDoNotQueue)
		if err != nil {
			result <- fmt.Errorf("request bus name %s: %w", s.busName, err)
			return
		}
		if reply != dbus.RequestNameReplyPrimaryOwner {
			result <- fmt.Errorf("bus name %s already owned (reply %d)", s.busName, reply)
			return
		}
		result <- nil
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("dbusapi: timed out requesting bus name %s: %w", s.busName, ctx.Err())
	}
}

// Prepare is the exported D-Bus method matching libvirt's prepare hook.
func (s *Service) Prepare(xmlConfig string) (bool, *dbus.Error) {
	guest, err := domainxml.Parse(xmlConfig)
	if err != nil {
		log.WithError(err).Warn("rejecting malformed domain XML")
		return false, dbus.MakeFailedError(err)
	}
	added, err := s.focus.Prepare(context.Background(), guest)
	if err != nil {
		log.WithField("guest", guest.Name).WithError(err).Error("prepare failed")
		return false, dbus.MakeFailedError(err)
	}
	return added, nil
}

// Release is the exported D-Bus method matching libvirt's release hook.
func (s *Service) Release(xmlConfig string) (bool, *dbus.Error) {
	guest, err := domainxml.Parse(xmlConfig)
	if err != nil {
		log.WithError(err).Warn("rejecting malformed domain XML")
		return false, dbus.MakeFailedError(err)
	}
	removed, err := s.focus.Release(context.Background(), guest)
	if err != nil {
		log.WithField("guest", guest.Name).WithError(err).Error("release failed")
		return false, dbus.MakeFailedError(err)
	}
	return removed, nil
}

// Toggle is the exported D-Bus method that advances the focus ring.
func (s *Service) Toggle() *dbus.Error {
	if err := s.focus.Toggle(context.Background()); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

// EmitTargetChanged updates and signals the Target property when the
// orchestrator's focus target changes.
func (s *Service) EmitTargetChanged(target string) {
	if err := s.props.Set(s.busName, "Target", dbus.MakeVariant(target)); err != nil {
		log.WithError(err).Warn("failed to emit Target property change")
	}
}

// Close releases the bus name and closes the connection.
func (s *Service) Close() error {
	if _, err := s.conn.ReleaseName(s.busName); err != nil {
		log.WithError(err).Debug("release bus name failed")
	}
	return s.conn.Close()
}
