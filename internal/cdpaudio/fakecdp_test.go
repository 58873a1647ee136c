package cdpaudio

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var volumeAssign = regexp.MustCompile(`tm\.volume = ([0-9.eE+-]+);`)

type fakeTarget struct {
	id       string
	kind     string
	url      string
	title    string
	window   int
	noWindow bool
	gone     bool

	muted  bool
	volume float64
	active bool
}

// fakeBrowser is a minimal DevTools endpoint: /json/version, /json/list and a
// browser websocket that understands the commands the client sends.
type fakeBrowser struct {
	t   *testing.T
	srv *httptest.Server

	mu         sync.Mutex
	targets    []*fakeTarget
	sessions   map[string]string
	conns      []net.Conn
	listStatus int
	evals      int
	detached   []string
	writeMu    sync.Mutex
}

func newFakeBrowser(t *testing.T, targets ...*fakeTarget) *fakeBrowser {
	t.Helper()
	fb := &fakeBrowser{
		t:          t,
		targets:    targets,
		sessions:   make(map[string]string),
		listStatus: http.StatusOK,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", fb.handleVersion)
	mux.HandleFunc("/json/list", fb.handleList)
	mux.HandleFunc("/devtools/browser", fb.handleSocket)
	fb.srv = httptest.NewServer(mux)
	t.Cleanup(fb.close)
	return fb
}

func (fb *fakeBrowser) URL() string { return fb.srv.URL }

func (fb *fakeBrowser) close() {
	fb.mu.Lock()
	conns := fb.conns
	fb.conns = nil
	fb.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	fb.srv.Close()
}

func (fb *fakeBrowser) target(id string) *fakeTarget {
	for _, tg := range fb.targets {
		if tg.id == id && !tg.gone {
			return tg
		}
	}
	return nil
}

func (fb *fakeBrowser) state(id string) fakeTarget {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for _, tg := range fb.targets {
		if tg.id == id {
			return *tg
		}
	}
	return fakeTarget{}
}

func (fb *fakeBrowser) update(fn func(fb *fakeBrowser)) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fn(fb)
}

func (fb *fakeBrowser) handleVersion(w http.ResponseWriter, r *http.Request) {
	wsURL := "ws://" + r.Host + "/devtools/browser"
	_ = json.NewEncoder(w).Encode(map[string]string{"webSocketDebuggerUrl": wsURL})
}

func (fb *fakeBrowser) handleList(w http.ResponseWriter, _ *http.Request) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.listStatus != http.StatusOK {
		w.WriteHeader(fb.listStatus)
		return
	}
	entries := make([]map[string]string, 0, len(fb.targets))
	for _, tg := range fb.targets {
		if tg.gone {
			continue
		}
		entries = append(entries, map[string]string{
			"id": tg.id, "type": tg.kind, "url": tg.url, "title": tg.title,
		})
	}
	_ = json.NewEncoder(w).Encode(entries)
}

func (fb *fakeBrowser) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		fb.t.Errorf("UpgradeHTTP() error = %v", err)
		return
	}
	fb.mu.Lock()
	fb.conns = append(fb.conns, conn)
	fb.mu.Unlock()

	go func() {
		defer conn.Close()
		for {
			data, err := wsutil.ReadClientText(conn)
			if err != nil {
				return
			}
			var req struct {
				ID        int64           `json:"id"`
				Method    string          `json:"method"`
				SessionID string          `json:"sessionId"`
				Params    json.RawMessage `json:"params"`
			}
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			result, events, cmdErr := fb.handleCommand(req.Method, req.SessionID, req.Params)
			resp := map[string]any{"id": req.ID}
			if req.SessionID != "" {
				resp["sessionId"] = req.SessionID
			}
			if cmdErr != "" {
				resp["error"] = map[string]any{"code": -32000, "message": cmdErr}
			} else {
				resp["result"] = result
			}
			fb.write(conn, resp)
			for _, ev := range events {
				fb.write(conn, ev)
			}
		}
	}()
}

func (fb *fakeBrowser) write(conn net.Conn, msg any) {
	b, _ := json.Marshal(msg)
	fb.writeMu.Lock()
	defer fb.writeMu.Unlock()
	_ = wsutil.WriteServerText(conn, b)
}

// emit sends an event to every connected client.
func (fb *fakeBrowser) emit(method string, params any) {
	fb.mu.Lock()
	conns := append([]net.Conn(nil), fb.conns...)
	fb.mu.Unlock()
	for _, c := range conns {
		fb.write(c, map[string]any{"method": method, "params": params})
	}
}

func targetInfoParams(tg *fakeTarget) map[string]any {
	return map[string]any{"targetInfo": map[string]any{
		"targetId": tg.id, "type": tg.kind, "url": tg.url, "title": tg.title, "attached": false,
	}}
}

func (fb *fakeBrowser) handleCommand(method, sessionID string, params json.RawMessage) (any, []any, string) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	var p struct {
		TargetID   string `json:"targetId"`
		SessionID  string `json:"sessionId"`
		Expression string `json:"expression"`
	}
	_ = json.Unmarshal(params, &p)

	switch method {
	case "Browser.getWindowForTarget":
		tg := fb.target(p.TargetID)
		if tg == nil || tg.noWindow {
			return nil, nil, "No target with given id found"
		}
		return map[string]any{"windowId": tg.window, "bounds": map[string]any{}}, nil, ""

	case "Target.attachToTarget":
		tg := fb.target(p.TargetID)
		if tg == nil {
			return nil, nil, "No target with given id found"
		}
		sid := "S-" + tg.id + "-" + strconv.Itoa(len(fb.sessions)+1)
		fb.sessions[sid] = tg.id
		return map[string]any{"sessionId": sid}, nil, ""

	case "Target.detachFromTarget":
		if _, ok := fb.sessions[p.SessionID]; !ok {
			return nil, nil, "No session with given id"
		}
		delete(fb.sessions, p.SessionID)
		fb.detached = append(fb.detached, p.SessionID)
		return map[string]any{}, nil, ""

	case "Target.setDiscoverTargets":
		var events []any
		for _, tg := range fb.targets {
			if tg.gone {
				continue
			}
			events = append(events, map[string]any{"method": "Target.targetCreated", "params": targetInfoParams(tg)})
		}
		return map[string]any{}, events, ""

	case "Runtime.evaluate":
		tid, ok := fb.sessions[sessionID]
		if !ok {
			return nil, nil, "Session with given id not found"
		}
		tg := fb.target(tid)
		if tg == nil {
			return nil, nil, "Session with given id not found"
		}
		fb.evals++
		expr := p.Expression
		switch {
		case strings.Contains(expr, "tm.muted = true;"):
			tg.muted = true
		case strings.Contains(expr, "tm.muted = false;"):
			tg.muted = false
		}
		if m := volumeAssign.FindStringSubmatch(expr); m != nil {
			v, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				return nil, nil, fmt.Sprintf("bad volume %q", m[1])
			}
			tg.volume = v
		}
		env, _ := json.Marshal(map[string]any{
			"ok": true,
			"data": map[string]any{
				"muted": tg.muted, "volume": tg.volume, "active": tg.active, "media": 1,
			},
		})
		return map[string]any{"result": map[string]any{"type": "string", "value": string(env)}}, nil, ""
	}
	return nil, nil, "'" + method + "' wasn't found"
}
