package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if ad, ok := ctx.Value(accountDataKey{}).(*AccountData); ok {
		r.AddAttrs(slog.Group("account",
			slog.String("id", ad.AccountID),
			slog.String("name", ad.Name),
			slog.Bool("restored", ad.Restored),
		))
	}

	if cd, ok := ctx.Value(commandDataKey{}).(*CommandData); ok {
		r.AddAttrs(slog.Group("command",
			slog.String("name", cd.Name),
			slog.String("user_id", cd.UserID),
			slog.String("thread_id", cd.ThreadID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type accountDataKey struct{}

type AccountData struct {
	AccountID string
	Name      string
	Restored  bool
}

func WithAccountData(ctx context.Context, data *AccountData) context.Context {
	return context.WithValue(ctx, accountDataKey{}, data)
}

type commandDataKey struct{}

type CommandData struct {
	Name     string
	UserID   string
	ThreadID string
}

func WithCommandData(ctx context.Context, data *CommandData) context.Context {
	return context.WithValue(ctx, commandDataKey{}, data)
}
