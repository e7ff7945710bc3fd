// Package requestctx carries per-request operator identity and locale.
package requestctx

import "context"

type operatorContextKey struct{}

type localeContextKey struct{}

// WithOperator stores the authenticated operator subject in context.
func WithOperator(ctx context.Context, operator string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, operatorContextKey{}, operator)
}

// OperatorFromContext returns the operator subject stored in context.
func OperatorFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(operatorContextKey{}).(string)
	return value
}

// WithLocale stores the requested message locale in context.
func WithLocale(ctx context.Context, locale string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, localeContextKey{}, locale)
}

// LocaleFromContext returns the requested locale, or "" when unset.
func LocaleFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(localeContextKey{}).(string)
	return value
}
