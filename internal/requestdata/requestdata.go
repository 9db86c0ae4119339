package requestdata

import (
	"context"

	"github.com/google/uuid"

	"github.com/stripsense/stripsense-backend/internal/types"
)

var requestDataKey = struct{}{}

func WithRequestData(ctx context.Context, rd *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey, rd)
}

func GetRequestData(ctx context.Context) *RequestData {
	val := ctx.Value(requestDataKey)
	if rd, ok := val.(*RequestData); ok {
		return rd
	}
	return nil
}

// RequestData is the authenticated principal for the current request. Every
// core call receives it explicitly through the context set by the auth
// middleware; nothing reads ambient global session state.
type RequestData struct {
	TokenString  string
	RefreshToken string
	UserID       uuid.UUID
	Role         types.Role
}

func (rd *RequestData) IsAdmin() bool {
	if rd == nil {
		return false
	}
	return rd.Role == types.RoleAdmin || rd.Role == types.RoleSuperAdmin
}

func (rd *RequestData) IsSuperAdmin() bool {
	if rd == nil {
		return false
	}
	return rd.Role == types.RoleSuperAdmin
}
