package api

import (
	"context"

	"github.com/org/citaguard/pkg/models"
)

type contextKey string

const (
	ctxKeyPrincipal contextKey = "principal"
	ctxKeyRequestID contextKey = "request_id"
	ctxKeyClientIP  contextKey = "client_ip"
)

func withPrincipal(ctx context.Context, p *models.Principal) context.Context {
	return context.WithValue(ctx, ctxKeyPrincipal, p)
}

func principalFromCtx(ctx context.Context) *models.Principal {
	p, _ := ctx.Value(ctxKeyPrincipal).(*models.Principal)
	return p
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

func requestIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

func withClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxKeyClientIP, ip)
}

func clientIPFromCtx(ctx context.Context) string {
	ip, _ := ctx.Value(ctxKeyClientIP).(string)
	return ip
}
