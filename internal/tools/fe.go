package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"uiresolve-mcp-server/internal/browser"
	"uiresolve-mcp-server/internal/executor"
	"uiresolve-mcp-server/internal/memory"
	"uiresolve-mcp-server/internal/telemetry"
)

// UI is the live page fe.* tools act on.
type UI interface {
	Navigate(ctx context.Context, path string) (route string, err error)
	Route() string
	Execute(ctx context.Context, req executor.Request) executor.Result
}

// UIProvider picks the UI for a call, typically from params.session_id.
type UIProvider func(ctx context.Context, params Params) (UI, error)

// Notifier delivers speak and toast requests to whatever renders them.
type Notifier interface {
	Notify(ctx context.Context, kind string, payload map[string]any) error
}

// NATSNotifier publishes notifications as JSON on a subject.
type NATSNotifier struct {
	pub     telemetry.Publisher
	subject string
}

func NewNATSNotifier(pub telemetry.Publisher, subject string) *NATSNotifier {
	return &NATSNotifier{pub: pub, subject: subject}
}

func (n *NATSNotifier) Notify(ctx context.Context, kind string, payload map[string]any) error {
	msg := map[string]any{
		"kind":    kind,
		"caller":  memory.CallerFrom(ctx),
		"payload": payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := n.pub.Publish(n.subject+"."+kind, data); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// entityPaths maps fe.open_* tools to the route prefix of the entity.
var entityPaths = map[Name]string{
	FEOpenProfile:  "/profile",
	FEOpenEvent:    "/events",
	FEOpenListing:  "/listings",
	FEOpenBusiness: "/businesses",
	FEOpenPost:     "/posts",
	FEOpenMessage:  "/messages",
	FEOpenCalendar: "/calendar",
}

// RegisterFrontend installs the fe.* tools. UI tools need provider; speak and
// toast need notifier. Missing collaborators report ErrNotConfigured.
func RegisterFrontend(r *Registry, provider UIProvider, notifier Notifier) {
	if provider == nil {
		provider = func(context.Context, Params) (UI, error) {
			return nil, fmt.Errorf("browser %w", ErrNotConfigured)
		}
	}

	withUI := func(fn func(ctx context.Context, ui UI, p Params) (any, error)) Handler {
		return func(ctx context.Context, p Params) (any, error) {
			ui, err := provider(ctx, p)
			if err != nil {
				return nil, err
			}
			return fn(ctx, ui, p)
		}
	}
	navigate := func(ctx context.Context, ui UI, path string) (any, error) {
		route, err := ui.Navigate(ctx, path)
		if err != nil {
			return nil, err
		}
		return map[string]any{"navigated": path, "route": route}, nil
	}

	r.Register(FENavigate, withUI(func(ctx context.Context, ui UI, p Params) (any, error) {
		if err := p.Require("path"); err != nil {
			return nil, err
		}
		return navigate(ctx, ui, p.Text("path"))
	}))
	r.Register(FEOpenApp, withUI(func(ctx context.Context, ui UI, p Params) (any, error) {
		if err := p.Require("app"); err != nil {
			return nil, err
		}
		path := "/" + strings.TrimPrefix(p.Text("app"), "/")
		if extra := p.Map("params"); len(extra) > 0 {
			q := url.Values{}
			for k, v := range extra {
				q.Set(k, fmt.Sprint(v))
			}
			path += "?" + q.Encode()
		}
		if _, err := navigate(ctx, ui, path); err != nil {
			return nil, err
		}
		return map[string]any{"opened": p.Text("app")}, nil
	}))
	r.Register(FESearch, withUI(func(ctx context.Context, ui UI, p Params) (any, error) {
		if err := p.Require("query"); err != nil {
			return nil, err
		}
		if _, err := act(ctx, ui, browser.ActionFill, "search", p.Text("query")); err != nil {
			return nil, err
		}
		if _, err := act(ctx, ui, browser.ActionSubmit, "", ""); err != nil {
			return nil, err
		}
		return map[string]any{"searched": p.Text("query")}, nil
	}))
	r.Register(FEType, withUI(func(ctx context.Context, ui UI, p Params) (any, error) {
		if err := p.Require("target"); err != nil {
			return nil, err
		}
		return act(ctx, ui, browser.ActionFill, p.Text("target"), p.Text("text"))
	}))
	r.Register(FEClick, withUI(func(ctx context.Context, ui UI, p Params) (any, error) {
		if err := p.Require("target"); err != nil {
			return nil, err
		}
		return act(ctx, ui, browser.ActionClick, p.Text("target"), "")
	}))
	r.Register(FEScroll, withUI(func(ctx context.Context, ui UI, p Params) (any, error) {
		value := p.Text("behavior")
		if value == "" {
			value = p.Text("direction")
		}
		return act(ctx, ui, browser.ActionScroll, p.Text("target"), value)
	}))

	for name, prefix := range entityPaths {
		prefix := prefix
		r.Register(name, withUI(func(ctx context.Context, ui UI, p Params) (any, error) {
			if err := p.Require("id"); err != nil {
				return nil, err
			}
			return navigate(ctx, ui, prefix+"/"+url.PathEscape(p.Text("id")))
		}))
	}

	notify := func(kind string, build func(Params) (map[string]any, error)) Handler {
		return func(ctx context.Context, p Params) (any, error) {
			if notifier == nil {
				return nil, fmt.Errorf("notifier %w", ErrNotConfigured)
			}
			payload, err := build(p)
			if err != nil {
				return nil, err
			}
			if err := notifier.Notify(ctx, kind, payload); err != nil {
				return nil, err
			}
			return map[string]any{"delivered": kind}, nil
		}
	}
	r.Register(FESpeak, notify("speak", func(p Params) (map[string]any, error) {
		if err := p.Require("text"); err != nil {
			return nil, err
		}
		return map[string]any{"text": p.Text("text")}, nil
	}))
	r.Register(FEToast, notify("toast", func(p Params) (map[string]any, error) {
		variant := p.Text("variant")
		if variant == "" {
			variant = "default"
		}
		if p.Text("title") == "" && p.Text("description") == "" {
			return nil, errors.New("toast needs a title or description")
		}
		return map[string]any{
			"title":       p.Text("title"),
			"description": p.Text("description"),
			"variant":     variant,
		}, nil
	}))
}

// act runs one executor action on the UI's current route and turns a failed
// result into an error carrying the executor's message.
func act(ctx context.Context, ui UI, action browser.Action, target, value string) (executor.Result, error) {
	res := ui.Execute(ctx, executor.Request{Action: action, Route: ui.Route(), Target: target, Value: value})
	if res.Cancelled {
		return res, context.Canceled
	}
	if !res.Success {
		return res, errors.New(res.Message)
	}
	return res, nil
}
