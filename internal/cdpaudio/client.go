// Package cdpaudio enumerates browser tabs and controls their audio over the
// Chrome DevTools Protocol.
package cdpaudio

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/target"

	"github.com/dgnsrekt/tabmix/internal/tabaudio"
)

// codeEvalFailure is reported by the in-page script when it throws.
const codeEvalFailure = "EVAL_FAILURE"

// staleHints are substrings in CDP errors that mean the target or its session
// no longer exists.
var staleHints = []string{
	"no target with given id",
	"session with given id not found",
	"no session with given id",
	"target closed",
	"target crashed",
	"not attached to an active page",
}

var (
	_ tabaudio.Enumerator         = (*Client)(nil)
	_ tabaudio.ControllerProvider = (*Client)(nil)
	_ tabaudio.Controller         = (*tabController)(nil)
	_ tabaudio.StateReader        = (*tabController)(nil)
)

type tabSession struct {
	mu        sync.Mutex
	sessionID string // CDP session ID from Target.attachToTarget
}

// Client is a CDP-backed tab enumerator and controller provider.
type Client struct {
	cdpURL      string
	tabFilter   string
	evalTimeout time.Duration

	mu       sync.Mutex
	cdp      *rawCDP
	sessions map[target.ID]*tabSession
	seen     map[target.ID]uint64
	nextSeen uint64
}

type evalEnvelope struct {
	OK           bool            `json:"ok"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

type audioState struct {
	Muted  bool    `json:"muted"`
	Volume float64 `json:"volume"`
	Active bool    `json:"active"`
	Media  int     `json:"media"`
}

func NewClient(cdpURL, tabFilter string, evalTimeout time.Duration) *Client {
	return &Client{
		cdpURL:      cdpURL,
		tabFilter:   strings.ToLower(strings.TrimSpace(tabFilter)),
		evalTimeout: evalTimeout,
		sessions:    make(map[target.ID]*tabSession),
		seen:        make(map[target.ID]uint64),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.cdpURL == "" {
		return tabaudio.NewError(tabaudio.CodeHostUnavailable, "missing CDP URL", nil)
	}

	slog.Info("cdpaudio connect start", "cdp_url", c.cdpURL)
	c.cleanupLocked()

	c.cdp = newRawCDP(c.cdpURL)
	if err := c.cdp.connect(ctx); err != nil {
		c.cdp = nil
		return tabaudio.NewError(tabaudio.CodeHostUnavailable, "connect to CDP failed", err)
	}
	slog.Info("cdpaudio connect ok", "cdp_url", c.cdpURL)
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked()
	return nil
}

func (c *Client) cleanupLocked() {
	// Detach from any active sessions without closing targets.
	if c.cdp != nil {
		for _, session := range c.sessions {
			session.mu.Lock()
			if session.sessionID != "" {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				_ = c.cdp.detachFromTarget(ctx, session.sessionID)
				cancel()
				session.sessionID = ""
			}
			session.mu.Unlock()
		}
		c.cdp.close()
		c.cdp = nil
	}
	c.sessions = make(map[target.ID]*tabSession)
}

// ensureConnected returns the live connection, dialing again when the
// previous one dropped.
func (c *Client) ensureConnected(ctx context.Context) (*rawCDP, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cdp != nil && c.cdp.isConnected() {
		return c.cdp, nil
	}
	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}
	return c.cdp, nil
}

type resolvedTab struct {
	info   *target.Info
	window browser.WindowID
	seen   uint64
}

// Enumerate lists page targets grouped by window. Windows are ordered by id,
// which the browser assigns in creation order; tabs within a window keep the
// order in which this client first saw them.
func (c *Client) Enumerate(ctx context.Context) ([]tabaudio.TabEntry, error) {
	cdp, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}

	targets, err := cdp.listTargets(ctx)
	if err != nil {
		return nil, tabaudio.NewError(tabaudio.CodeHostUnavailable, "failed to list targets", err)
	}

	tabs := make([]resolvedTab, 0, len(targets))
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		if c.tabFilter != "" && !strings.Contains(strings.ToLower(t.URL), c.tabFilter) {
			continue
		}
		wid, err := cdp.windowForTarget(ctx, t.TargetID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var perr *protocolError
			if !errors.As(err, &perr) {
				return nil, tabaudio.NewError(tabaudio.CodeHostUnavailable, "failed to resolve window", err)
			}
			slog.Debug("cdpaudio tab omitted", "target_id", t.TargetID, "error", err)
			continue
		}
		tabs = append(tabs, resolvedTab{info: t, window: wid})
	}

	c.mu.Lock()
	present := make(map[target.ID]struct{}, len(tabs))
	for i := range tabs {
		id := tabs[i].info.TargetID
		seq, ok := c.seen[id]
		if !ok {
			c.nextSeen++
			seq = c.nextSeen
			c.seen[id] = seq
		}
		tabs[i].seen = seq
		present[id] = struct{}{}
	}
	for id := range c.seen {
		if _, ok := present[id]; !ok {
			delete(c.seen, id)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(tabs, func(i, j int) bool {
		if tabs[i].window != tabs[j].window {
			return tabs[i].window < tabs[j].window
		}
		return tabs[i].seen < tabs[j].seen
	})

	out := make([]tabaudio.TabEntry, 0, len(tabs))
	for _, t := range tabs {
		out = append(out, tabaudio.TabEntry{
			Window: WindowRef(t.window),
			Tab:    tabaudio.TabRef(t.info.TargetID),
			Title:  t.info.Title,
			URL:    t.info.URL,
		})
	}
	slog.Debug("cdpaudio enumerate", "targets", len(targets), "tabs", len(out))
	return out, nil
}

// WindowRef converts a CDP window id into a registry window reference.
func WindowRef(id browser.WindowID) tabaudio.WindowRef {
	return tabaudio.WindowRef(strconv.FormatInt(int64(id), 10))
}

// Controller returns the audio controller of an enumerated tab. No session
// is attached until the first read or write.
func (c *Client) Controller(_ context.Context, entry tabaudio.TabEntry) (tabaudio.Controller, error) {
	if entry.Tab == "" {
		return nil, tabaudio.NewError(tabaudio.CodeValidation, "empty tab reference", nil)
	}
	return &tabController{client: c, target: target.ID(entry.Tab)}, nil
}

func (c *Client) session(targetID target.ID) *tabSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[targetID]
	if !ok {
		s = &tabSession{}
		c.sessions[targetID] = s
	}
	return s
}

func (c *Client) evalOnTarget(ctx context.Context, targetID target.ID, js string, out any) error {
	cdp, err := c.ensureConnected(ctx)
	if err != nil {
		return err
	}
	session := c.session(targetID)

	sessionID, err := c.ensureSession(ctx, cdp, session, targetID)
	if err != nil {
		return err
	}

	evalCtx, evalCancel := context.WithTimeout(ctx, c.evalTimeout)
	defer evalCancel()

	raw, err := cdp.evaluate(evalCtx, sessionID, js)
	if err != nil {
		slog.Warn("cdpaudio eval failed", "target_id", targetID, "error", err)
		// Reset session so the next call attaches again.
		session.mu.Lock()
		session.sessionID = ""
		session.mu.Unlock()

		if isStaleCause(err) {
			return tabaudio.NewError(tabaudio.CodeStaleHandle, "tab is gone: "+string(targetID), err)
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(evalCtx.Err(), context.DeadlineExceeded) {
			return tabaudio.NewError(tabaudio.CodeHostUnavailable, "evaluation timed out", err)
		}
		return tabaudio.NewError(tabaudio.CodeHostUnavailable, "evaluation failed", err)
	}

	var env evalEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return tabaudio.NewError(tabaudio.CodeHostUnavailable, "invalid evaluation envelope", err)
	}
	if !env.OK {
		msg := env.ErrorMessage
		if env.ErrorCode != "" {
			msg = env.ErrorCode + ": " + msg
		}
		return tabaudio.NewError(tabaudio.CodeHostUnavailable, msg, nil)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return tabaudio.NewError(tabaudio.CodeHostUnavailable, "invalid evaluation data", err)
	}
	return nil
}

// ensureSession returns a CDP session ID for the target, attaching if needed.
func (c *Client) ensureSession(ctx context.Context, cdp *rawCDP, session *tabSession, targetID target.ID) (string, error) {
	session.mu.Lock()
	defer session.mu.Unlock()

	if session.sessionID != "" {
		return session.sessionID, nil
	}

	sid, err := cdp.attachToTarget(ctx, targetID)
	if err != nil {
		if isStaleCause(err) {
			return "", tabaudio.NewError(tabaudio.CodeStaleHandle, "tab is gone: "+string(targetID), err)
		}
		return "", tabaudio.NewError(tabaudio.CodeHostUnavailable, "attach to target failed", err)
	}
	session.sessionID = sid
	slog.Debug("cdpaudio session attached", "target_id", targetID, "session_id", sid)
	return sid, nil
}

// release forgets the session of a target and detaches it.
func (c *Client) release(targetID target.ID) error {
	c.mu.Lock()
	session := c.sessions[targetID]
	delete(c.sessions, targetID)
	cdp := c.cdp
	c.mu.Unlock()

	if session == nil || cdp == nil {
		return nil
	}
	session.mu.Lock()
	sid := session.sessionID
	session.sessionID = ""
	session.mu.Unlock()
	if sid == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := cdp.detachFromTarget(ctx, sid); err != nil && !isStaleCause(err) {
		return tabaudio.NewError(tabaudio.CodeHostUnavailable, "detach from target failed", err)
	}
	slog.Debug("cdpaudio session released", "target_id", targetID, "session_id", sid)
	return nil
}

func isStaleCause(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range staleHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// tabController drives the in-page audio runtime of one target.
type tabController struct {
	client *Client
	target target.ID
}

func (t *tabController) State(ctx context.Context) (tabaudio.AudioState, error) {
	var st audioState
	if err := t.client.evalOnTarget(ctx, t.target, jsReadState(), &st); err != nil {
		return tabaudio.AudioState{}, err
	}
	return tabaudio.AudioState{Muted: st.Muted, Volume: st.Volume, Active: st.Active}, nil
}

func (t *tabController) Muted(ctx context.Context) (bool, error) {
	st, err := t.State(ctx)
	return st.Muted, err
}

func (t *tabController) SetMuted(ctx context.Context, muted bool) error {
	return t.client.evalOnTarget(ctx, t.target, jsSetMuted(muted), nil)
}

func (t *tabController) Volume(ctx context.Context) (float64, error) {
	st, err := t.State(ctx)
	return st.Volume, err
}

func (t *tabController) SetVolume(ctx context.Context, volume float64) error {
	return t.client.evalOnTarget(ctx, t.target, jsSetVolume(tabaudio.ClampVolume(volume)), nil)
}

func (t *tabController) Active(ctx context.Context) (bool, error) {
	st, err := t.State(ctx)
	return st.Active, err
}

func (t *tabController) Release() error {
	return t.client.release(t.target)
}
