package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"uiresolve-mcp-server/internal/discover"

	"github.com/go-rod/rod"
	"go.uber.org/zap"
)

// Action is an operation the executor can perform against an element or page.
type Action string

const (
	ActionClick  Action = "click"
	ActionFill   Action = "fill"
	ActionScroll Action = "scroll"
	ActionRead   Action = "read"
	ActionSubmit Action = "submit"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionClick, ActionFill, ActionScroll, ActionRead, ActionSubmit:
		return true
	}
	return false
}

// ReadLimit caps text returned by a page-level read.
const ReadLimit = 500

// ErrNotInteractable is returned when a located element cannot take the action.
var ErrNotInteractable = errors.New("element not interactable")

// PageDriver is the live interface over one Rod page.
type PageDriver struct {
	page *rod.Page
	log  *zap.Logger
}

func NewPageDriver(page *rod.Page, logger *zap.Logger) *PageDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PageDriver{page: page, log: logger.Named("driver")}
}

// snapshotJS collects interactive elements in document order. It mirrors the
// element fields discover ranks on.
const snapshotJS = `() => {
	const selector = [
		'button', 'a[href]', 'input:not([type="hidden"])', 'textarea', 'select',
		'[role="button"]', '[role="link"]', '[role="tab"]', '[role="menuitem"]',
		'[contenteditable="true"]', '[data-rocker]', '[data-action]', '[data-testid]',
		'[tabindex]:not([tabindex="-1"])'
	].join(', ');

	const pathOf = (el) => {
		const parts = [];
		for (let node = el; node && node.nodeType === 1 && node !== document.documentElement; node = node.parentElement) {
			const tag = node.tagName.toLowerCase();
			let nth = 1;
			for (let sib = node.previousElementSibling; sib; sib = sib.previousElementSibling) {
				if (sib.tagName === node.tagName) nth++;
			}
			parts.unshift(tag + ':nth-of-type(' + nth + ')');
		}
		parts.unshift('html');
		return parts;
	};

	const out = [];
	document.querySelectorAll(selector).forEach((el) => {
		const rect = el.getBoundingClientRect();
		const style = getComputedStyle(el);
		const visible = rect.width > 0 && rect.height > 0 &&
			style.display !== 'none' && style.visibility !== 'hidden' && style.opacity !== '0' &&
			!el.disabled;
		let idUnique = false;
		if (el.id) {
			try { idUnique = document.querySelectorAll('#' + CSS.escape(el.id)).length === 1; } catch (e) {}
		}
		out.push({
			index: out.length,
			tag: el.tagName.toLowerCase(),
			type: (el.getAttribute('type') || '').toLowerCase(),
			role: el.getAttribute('role') || '',
			id: el.id || '',
			id_unique: idUnique,
			test_id: el.getAttribute('data-testid') || el.getAttribute('data-test-id') || '',
			rocker: el.getAttribute('data-rocker') || '',
			action: el.getAttribute('data-action') || '',
			aria_label: el.getAttribute('aria-label') || '',
			placeholder: el.getAttribute('placeholder') || '',
			name: el.getAttribute('name') || '',
			text: (el.innerText || el.value || '').trim().replace(/\s+/g, ' ').substring(0, 200),
			editable: el.isContentEditable === true,
			visible: visible,
			path: pathOf(el),
			box: { x: rect.x, y: rect.y, width: rect.width, height: rect.height }
		});
	});
	return { url: location.href, title: document.title, elements: out };
}`

// Snapshot captures the current interactive elements.
func (d *PageDriver) Snapshot(ctx context.Context) (discover.Snapshot, error) {
	res, err := d.page.Context(ctx).Eval(snapshotJS)
	if err != nil {
		return discover.Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	var snap discover.Snapshot
	if err := res.Value.Unmarshal(&snap); err != nil {
		return discover.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	snap.TakenAt = time.Now()
	return snap, nil
}

// URL returns the page's current location.
func (d *PageDriver) URL(ctx context.Context) (string, error) {
	res, err := d.page.Context(ctx).Eval(`() => location.href`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

// Invoke performs action against the element at locator. Element lookup
// retries until ctx is done. The returned string is the read text or the
// field's final value.
func (d *PageDriver) Invoke(ctx context.Context, locator string, action Action, value string) (string, error) {
	page := d.page.Context(ctx)
	el, err := page.Element(locator)
	if err != nil {
		return "", fmt.Errorf("locate %q: %w", locator, err)
	}

	switch action {
	case ActionClick:
		if err := el.ScrollIntoView(); err != nil {
			d.log.Debug("scroll into view", zap.String("locator", locator), zap.Error(err))
		}
		if err := el.Click("left", 1); err != nil {
			return "", fmt.Errorf("click: %w", err)
		}
		return "", nil

	case ActionFill:
		if err := el.SelectAllText(); err == nil {
			_ = el.Input("")
		}
		if err := el.Input(value); err != nil {
			return "", fmt.Errorf("%w: fill: %v", ErrNotInteractable, err)
		}
		if prop, err := el.Property("value"); err == nil && prop.Str() != "" {
			return prop.Str(), nil
		}
		text, _ := el.Text()
		return text, nil

	case ActionRead:
		text, err := el.Text()
		if err != nil {
			return "", fmt.Errorf("read: %w", err)
		}
		return strings.TrimSpace(text), nil

	case ActionScroll:
		if err := el.ScrollIntoView(); err != nil {
			return "", fmt.Errorf("scroll: %w", err)
		}
		return "", nil

	case ActionSubmit:
		res, err := el.Eval(`function () {
			const form = this.form || this.closest('form');
			if (form) {
				if (form.requestSubmit) form.requestSubmit(); else form.submit();
				return 'form';
			}
			this.click();
			return 'click';
		}`)
		if err != nil {
			return "", fmt.Errorf("submit: %w", err)
		}
		return res.Value.Str(), nil
	}
	return "", fmt.Errorf("unsupported action %q", action)
}

const pageScrollJS = `(mode) => {
	const h = window.innerHeight;
	switch (mode) {
		case 'top': window.scrollTo(0, 0); break;
		case 'bottom': window.scrollTo(0, document.body.scrollHeight); break;
		case 'up': window.scrollBy(0, -0.8 * h); break;
		case '':
		case 'down': window.scrollBy(0, 0.8 * h); break;
		default: {
			const px = parseInt(mode, 10);
			if (isNaN(px)) return 'invalid';
			window.scrollBy(0, px);
		}
	}
	return String(Math.round(window.scrollY));
}`

const pageReadJS = `(limit) => {
	const main = document.querySelector('main, [role="main"], article') || document.body;
	return (main.innerText || '').trim().replace(/\s+/g, ' ').substring(0, limit);
}`

const pageSubmitJS = `() => {
	const form = document.querySelector('form');
	if (form) {
		if (form.requestSubmit) form.requestSubmit(); else form.submit();
		return 'form';
	}
	const re = /\b(submit|save|create|confirm|continue|done)\b/i;
	const buttons = document.querySelectorAll('button, [role="button"], input[type="submit"]');
	for (const b of buttons) {
		const label = b.getAttribute('aria-label') || b.innerText || b.value || '';
		if (re.test(label)) { b.click(); return 'button:' + label.trim(); }
	}
	return '';
}`

// PageAction performs a target-less action on the whole page: scroll by
// top|bottom|up|down|<pixels>, read the main content, or submit the first
// form or submit-like button.
func (d *PageDriver) PageAction(ctx context.Context, action Action, value string) (string, error) {
	page := d.page.Context(ctx)
	switch action {
	case ActionScroll:
		res, err := page.Eval(pageScrollJS, strings.ToLower(strings.TrimSpace(value)))
		if err != nil {
			return "", fmt.Errorf("scroll: %w", err)
		}
		if res.Value.Str() == "invalid" {
			return "", fmt.Errorf("invalid scroll value %q", value)
		}
		return res.Value.Str(), nil
	case ActionRead:
		res, err := page.Eval(pageReadJS, ReadLimit)
		if err != nil {
			return "", fmt.Errorf("read page: %w", err)
		}
		return res.Value.Str(), nil
	case ActionSubmit:
		res, err := page.Eval(pageSubmitJS)
		if err != nil {
			return "", fmt.Errorf("submit page: %w", err)
		}
		if res.Value.Str() == "" {
			return "", errors.New("no form or submit button found")
		}
		return res.Value.Str(), nil
	}
	return "", fmt.Errorf("action %q requires a target", action)
}
