package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
)

const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"

var (
	successURLKeywords = []string{"success", "thank", "confirm", "submitted"}
	successPhrases     = []string{
		"application submitted",
		"thank you for applying",
		"we've received your application",
		"application received",
		"successfully applied",
		"application complete",
	}
)

// collectFieldsJS tags every visible input with data-agent-field and describes it
const collectFieldsJS = `(() => {
	const out = [];
	const els = Array.from(document.querySelectorAll('input, textarea, select'));
	let i = 0;
	for (const el of els) {
		const type = (el.getAttribute('type') || el.tagName).toLowerCase();
		if (['hidden', 'submit', 'button', 'file', 'image', 'reset'].includes(type)) continue;
		if (el.offsetParent === null) continue;
		if (type !== 'checkbox' && el.value) continue;
		const id = 'f' + (i++);
		el.setAttribute('data-agent-field', id);
		let label = el.getAttribute('aria-label') || el.getAttribute('placeholder') || '';
		if (!label && el.id) {
			const l = document.querySelector('label[for="' + el.id + '"]');
			if (l) label = l.innerText.trim();
		}
		out.push({
			name: el.getAttribute('name') || '',
			label: label,
			type: type,
			required: el.required || el.getAttribute('aria-required') === 'true',
			selector: '[data-agent-field="' + id + '"]'
		});
	}
	return out;
})()`

// clickPrimaryJS presses next when present, otherwise submit, and reports which.
// Buttons default to type=submit, so next is matched by its text first.
const clickPrimaryJS = `(() => {
	const text = el => (el.innerText || el.value || '').trim().toLowerCase();
	const buttons = Array.from(document.querySelectorAll('button, input[type="submit"], a[role="button"], a'));
	const next = buttons.find(b => ['next', 'continue', 'next step', 'save and continue'].includes(text(b)));
	if (next) { next.click(); return 'next'; }
	const submit = buttons.find(b => b.type === 'submit' || ['submit', 'apply', 'send application', 'submit application'].includes(text(b)));
	if (submit) { submit.click(); return 'submit'; }
	return 'none';
})()`

type jsField struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Selector string `json:"selector"`
}

// ChromeBrowserConfig holds ChromeBrowser settings
type ChromeBrowserConfig struct {
	Headless          bool
	UserAgent         string
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
}

// ChromeBrowser drives a headless Chrome through chromedp
type ChromeBrowser struct {
	opts              []chromedp.ExecAllocatorOption
	navigationTimeout time.Duration
	settleDelay       time.Duration
}

// NewChromeBrowser creates a new ChromeBrowser
func NewChromeBrowser(cfg *ChromeBrowserConfig) *ChromeBrowser {
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	b := &ChromeBrowser{
		opts: append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", cfg.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.UserAgent(userAgent),
			chromedp.WindowSize(1280, 800),
		),
		navigationTimeout: cfg.NavigationTimeout,
		settleDelay:       cfg.SettleDelay,
	}

	if b.navigationTimeout <= 0 {
		b.navigationTimeout = 30 * time.Second // default
	}
	if b.settleDelay <= 0 {
		b.settleDelay = 2 * time.Second // default
	}

	return b
}

func (b *ChromeBrowser) Open(ctx context.Context, url string) (Page, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, b.opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	cancel := func() {
		browserCancel()
		allocCancel()
	}

	navCtx, navCancel := context.WithTimeout(browserCtx, b.navigationTimeout)
	defer navCancel()

	err := chromedp.Run(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(b.settleDelay),
	)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewTransientError(fmt.Errorf("navigate to %s: %w", url, err))
	}

	return &chromePage{
		ctx:         browserCtx,
		cancel:      cancel,
		startURL:    url,
		settleDelay: b.settleDelay,
	}, nil
}

type chromePage struct {
	ctx         context.Context
	cancel      context.CancelFunc
	startURL    string
	settleDelay time.Duration
}

func (p *chromePage) Fields(ctx context.Context) ([]Field, error) {
	var raw []jsField
	if err := chromedp.Run(p.ctx, chromedp.Evaluate(collectFieldsJS, &raw)); err != nil {
		return nil, fmt.Errorf("collect form fields: %w", err)
	}

	fields := make([]Field, 0, len(raw))
	for _, f := range raw {
		fields = append(fields, Field{
			Name:     f.Name,
			Label:    f.Label,
			Type:     f.Type,
			Required: f.Required,
			Selector: f.Selector,
		})
	}
	return fields, nil
}

func (p *chromePage) Fill(ctx context.Context, field Field, value string) error {
	var nodes []*cdp.Node
	if err := chromedp.Run(p.ctx, chromedp.Nodes(field.Selector, &nodes, chromedp.ByQuery, chromedp.AtLeast(0))); err != nil {
		return fmt.Errorf("find field %s: %w", fieldKey(field), err)
	}
	if len(nodes) == 0 {
		return fmt.Errorf("field %s is no longer on the page", fieldKey(field))
	}

	var action chromedp.Action
	switch field.Type {
	case "checkbox", "radio":
		switch strings.ToLower(value) {
		case "true", "yes", "1":
			action = chromedp.Click(field.Selector, chromedp.ByQuery)
		default:
			return nil
		}
	case "select":
		action = chromedp.SetValue(field.Selector, value, chromedp.ByQuery)
	default:
		action = chromedp.SendKeys(field.Selector, value, chromedp.ByQuery)
	}

	if err := chromedp.Run(p.ctx, action); err != nil {
		return fmt.Errorf("fill field %s: %w", fieldKey(field), err)
	}
	return nil
}

func (p *chromePage) Advance(ctx context.Context) (StepResult, error) {
	var clicked string
	if err := chromedp.Run(p.ctx,
		chromedp.Evaluate(clickPrimaryJS, &clicked),
		chromedp.Sleep(p.settleDelay),
	); err != nil {
		return 0, fmt.Errorf("press form button: %w", err)
	}

	switch clicked {
	case "submit":
		ok, err := p.submitted()
		if err != nil {
			return 0, err
		}
		if ok {
			return StepSubmitted, nil
		}
		return StepUnconfirmed, nil
	case "next":
		return StepNext, nil
	default:
		return StepStuck, nil
	}
}

func (p *chromePage) submitted() (bool, error) {
	var location, body string
	if err := chromedp.Run(p.ctx,
		chromedp.Location(&location),
		chromedp.Text("body", &body, chromedp.ByQuery),
	); err != nil {
		return false, fmt.Errorf("read confirmation page: %w", err)
	}

	if location != p.startURL {
		lower := strings.ToLower(location)
		for _, kw := range successURLKeywords {
			if strings.Contains(lower, kw) {
				return true, nil
			}
		}
	}

	body = strings.ToLower(body)
	for _, phrase := range successPhrases {
		if strings.Contains(body, phrase) {
			return true, nil
		}
	}
	return false, nil
}

func (p *chromePage) Close() error {
	p.cancel()
	return nil
}
