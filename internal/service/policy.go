package service

import (
	"context"
	"log/slog"

	errordefs "github.com/signalapi/signal-service/internal/errors"
	"github.com/signalapi/signal-service/internal/model"
)

// Operation names a service operation subject to the role policy.
type Operation string

const (
	OpList           Operation = "list"
	OpGet            Operation = "get"
	OpRegionForUser  Operation = "region_for_user"
	OpListByRegion   Operation = "list_by_region"
	OpListByUsername Operation = "list_by_username"
	OpUpdateStatus   Operation = "update_status"
	OpUpdateRegion   Operation = "update_region"
	OpCreate         Operation = "create"
	OpDelete         Operation = "delete"
	OpListTypes      Operation = "list_types"
	OpImage          Operation = "image"
)

// Policy lists the roles allowed to invoke each operation. Roles do not
// inherit from one another. Delete additionally requires a USER to own the
// signal; that check needs the record and lives in Service.Delete.
var Policy = map[Operation][]model.Role{
	OpList:           {model.RoleModerator, model.RoleAdmin},
	OpGet:            {model.RoleAdmin},
	OpRegionForUser:  {model.RoleModerator},
	OpListByRegion:   {model.RoleModerator, model.RoleAdmin},
	OpListByUsername: {model.RoleUser, model.RoleModerator, model.RoleAdmin},
	OpUpdateStatus:   {model.RoleModerator, model.RoleAdmin},
	OpUpdateRegion:   {model.RoleAdmin},
	OpCreate:         {model.RoleUser, model.RoleAdmin},
	OpDelete:         {model.RoleUser, model.RoleAdmin},
	OpListTypes:      {model.RoleUser, model.RoleModerator, model.RoleAdmin},
	OpImage:          {model.RoleUser, model.RoleModerator, model.RoleAdmin},
}

// Allowed reports whether caller holds a role permitted for op.
func Allowed(op Operation, caller model.Caller) bool {
	return caller.HasAnyRole(Policy[op]...)
}

// Authorize checks the policy for op. Every operation calls it before any
// store is touched. Handlers may also call it before decoding input.
func (s *Service) Authorize(ctx context.Context, op Operation, caller model.Caller) error {
	if Allowed(op, caller) {
		return nil
	}
	s.metrics.AuthzDeniedTotal.WithLabelValues(string(op)).Inc()
	s.log.DebugContext(ctx, "operation denied", slog.String("operation", string(op)),
		slog.String("username", caller.Username), slog.Any("roles", caller.Roles))
	return errordefs.New(errordefs.SIGNAL_AUTHZ, "operation not permitted for caller roles", "")
}
