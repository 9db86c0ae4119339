package services

import (
	"fmt"

	"github.com/stripsense/stripsense-backend/internal/apierr"
	"github.com/stripsense/stripsense-backend/internal/logger"
	"github.com/stripsense/stripsense-backend/internal/requestdata"
	"github.com/stripsense/stripsense-backend/internal/types"
)

type Action string

const (
	ActionRead         Action = "read"
	ActionUpdate       Action = "update"
	ActionDelete       Action = "delete"
	ActionReanalyze    Action = "reanalyze"
	ActionMarkReported Action = "mark_reported"
	ActionStats        Action = "stats"
	ActionExport       Action = "export"
	ActionDeleteUser   Action = "delete_user"
)

// AccessService is the gate wrapped around every core operation. Owners act
// on their own records; admins get system-wide read/aggregate access;
// destructive cross-owner actions need super_admin.
//
// A denied single-record access for a non-admin reports NotFound rather than
// Forbidden so that probing another user's record IDs does not reveal they
// exist. Role failures on admin-only surfaces stay Forbidden.
type AccessService interface {
	Authorize(rd *requestdata.RequestData, action Action, rec *types.TestRecord) error
	RequireAdmin(rd *requestdata.RequestData) error
	RequireSuperAdmin(rd *requestdata.RequestData) error
}

type accessService struct {
	log *logger.Logger
}

func NewAccessService(log *logger.Logger) AccessService {
	serviceLog := log.With("service", "AccessService")
	return &accessService{log: serviceLog}
}

func (as *accessService) Authorize(rd *requestdata.RequestData, action Action, rec *types.TestRecord) error {
	if rd == nil {
		return apierr.Unauthorized(fmt.Errorf("no authenticated principal"))
	}

	switch action {
	case ActionStats, ActionExport:
		if rd.IsAdmin() {
			return nil
		}
		return apierr.Forbidden(fmt.Errorf("admin role required"))
	case ActionMarkReported:
		if rd.IsAdmin() {
			return nil
		}
		return apierr.Forbidden(fmt.Errorf("admin role required"))
	case ActionDeleteUser:
		if rd.IsSuperAdmin() {
			return nil
		}
		return apierr.Forbidden(fmt.Errorf("super admin role required"))
	}

	if rec == nil {
		return apierr.NotFound(fmt.Errorf("test record not found"))
	}

	if rec.OwnerID == rd.UserID {
		return nil
	}

	switch action {
	case ActionRead, ActionReanalyze:
		if rd.IsAdmin() {
			return nil
		}
	case ActionUpdate, ActionDelete:
		if rd.IsSuperAdmin() {
			return nil
		}
	}

	// Cross-owner access without sufficient role. Collapse to NotFound so the
	// caller cannot distinguish "exists but not yours" from "does not exist".
	as.log.Debug("Denied cross-owner access", "action", string(action), "owner_id", rec.OwnerID, "user_id", rd.UserID)
	return apierr.NotFound(fmt.Errorf("test record not found"))
}

func (as *accessService) RequireAdmin(rd *requestdata.RequestData) error {
	if rd == nil {
		return apierr.Unauthorized(fmt.Errorf("no authenticated principal"))
	}
	if !rd.IsAdmin() {
		return apierr.Forbidden(fmt.Errorf("admin role required"))
	}
	return nil
}

func (as *accessService) RequireSuperAdmin(rd *requestdata.RequestData) error {
	if rd == nil {
		return apierr.Unauthorized(fmt.Errorf("no authenticated principal"))
	}
	if !rd.IsSuperAdmin() {
		return apierr.Forbidden(fmt.Errorf("super admin role required"))
	}
	return nil
}
