package auth

import (
	"context"
	"strings"
)

type ctxKey string

const (
	operatorIDKey ctxKey = "auth_operator_id"
	rolesKey      ctxKey = "auth_roles"
)

// ContextWithOperator stores the authenticated operator identity in the context.
func ContextWithOperator(ctx context.Context, operatorID string, roles []string) context.Context {
	ctx = context.WithValue(ctx, operatorIDKey, strings.TrimSpace(operatorID))
	if len(roles) > 0 {
		ctx = context.WithValue(ctx, rolesKey, dedupeRoles(roles))
	}
	return ctx
}

// OperatorIDFromContext extracts the authenticated operator id from context.
func OperatorIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(operatorIDKey).(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// RolesFromContext returns roles attached to the context, if any.
func RolesFromContext(ctx context.Context) []string {
	if ctx == nil {
		return nil
	}
	v, _ := ctx.Value(rolesKey).([]string)
	return v
}
