// Package snowtest provides an in-process fake ServiceNow instance for tests.
// It speaks just enough of the login, elevation, background-script, Table
// and Aggregate APIs to drive the client code end to end.
package snowtest

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

const (
	LoginToken  = "logintoken123"
	ScriptToken = "scripttoken456"
	UserToken   = "usertoken789"

	sessionCookie = "glide_session_store"
)

// Instance is a fake platform instance backed by httptest.Server.
type Instance struct {
	Server   *httptest.Server
	User     string
	Password string

	mu            sync.Mutex
	sessions      map[string]bool
	hits          map[string]int
	custom        map[string]http.HandlerFunc
	tables        map[string][]json.RawMessage
	elevateStatus int
	lastRole      string
	lastScript    string
	scriptHTML    func(script string) string
}

// New starts a fake instance that accepts user/password. It is closed when
// the test ends.
func New(t testing.TB, user, password string) *Instance {
	t.Helper()
	i := &Instance{
		User:          user,
		Password:      password,
		sessions:      map[string]bool{},
		hits:          map[string]int{},
		custom:        map[string]http.HandlerFunc{},
		tables:        map[string][]json.RawMessage{},
		elevateStatus: http.StatusOK,
		scriptHTML:    DefaultScriptHTML,
	}
	i.Server = httptest.NewServer(http.HandlerFunc(i.serve))
	t.Cleanup(i.Server.Close)
	return i
}

// Host returns the instance address in the form accepted by config.BaseURL.
func (i *Instance) Host() string { return i.Server.URL }

// Hits returns how many requests reached path.
func (i *Instance) Hits(path string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.hits[path]
}

// ExpireSessions invalidates every server-side session.
func (i *Instance) ExpireSessions() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.sessions = map[string]bool{}
}

// SetElevateStatus sets the status returned by the impersonation endpoint.
func (i *Instance) SetElevateStatus(code int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.elevateStatus = code
}

// LastRole returns the role requested by the last elevation.
func (i *Instance) LastRole() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastRole
}

// LastScript returns the body of the last submitted script.
func (i *Instance) LastScript() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastScript
}

// SetScriptHTML replaces the renderer for script responses.
func (i *Instance) SetScriptHTML(fn func(script string) string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.scriptHTML = fn
}

// SetTable sets the records served for table. Each record is a JSON object.
func (i *Instance) SetTable(table string, records ...string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	raw := make([]json.RawMessage, len(records))
	for n, r := range records {
		raw[n] = json.RawMessage(r)
	}
	i.tables[table] = raw
}

// Handle overrides the handler for an exact path.
func (i *Instance) Handle(path string, h http.HandlerFunc) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.custom[path] = h
}

// DefaultScriptHTML renders gs.print output the way sys.scripts.do does for
// a script made of gs.print('...') lines.
func DefaultScriptHTML(script string) string {
	var b strings.Builder
	b.WriteString("<HTML><BODY>[0:00:00.004] Script completed in scope global: script<HR/>")
	b.WriteString("Script execution history and recovery available here<HR/><PRE>")
	for _, line := range strings.Split(script, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "gs.print(") {
			continue
		}
		msg := strings.TrimSuffix(strings.TrimPrefix(line, "gs.print("), ");")
		msg = strings.Trim(strings.TrimSuffix(msg, ")"), `'"`)
		b.WriteString("*** Script: " + html.EscapeString(msg) + "<BR/>")
	}
	b.WriteString("</PRE><HR/></BODY></HTML>")
	return b.String()
}

func (i *Instance) serve(w http.ResponseWriter, r *http.Request) {
	i.mu.Lock()
	i.hits[r.URL.Path]++
	custom := i.custom[r.URL.Path]
	i.mu.Unlock()

	if custom != nil {
		custom(w, r)
		return
	}

	switch {
	case r.URL.Path == "/login.do":
		i.handleLogin(w, r)
	case r.URL.Path == "/navpage.do":
		if !i.requireSession(w, r) {
			return
		}
		fmt.Fprintf(w, "<html><script>var g_ck = '%s';</script></html>", UserToken)
	case r.URL.Path == "/api/now/ui/impersonate/role":
		i.handleElevate(w, r)
	case r.URL.Path == "/sys.scripts.do":
		i.handleScript(w, r)
	case strings.HasPrefix(r.URL.Path, "/api/now/table/"):
		i.handleTable(w, r)
	case strings.HasPrefix(r.URL.Path, "/api/now/stats/"):
		i.handleStats(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (i *Instance) loginPage(w http.ResponseWriter) {
	w.Header().Set("X-Is-Logged-In", "false")
	fmt.Fprintf(w, `<html><form action="login.do" method="post">
<input name="sysparm_ck" id="sysparm_ck" type="hidden" value="%s">
<input name="user_name" id="user_name"><input name="user_password" id="user_password" type="password">
</form></html>`, LoginToken)
}

func (i *Instance) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		i.loginPage(w)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("sysparm_ck") != LoginToken || r.PostForm.Get("sys_action") != "sysverb_login" ||
		r.PostForm.Get("user_name") != i.User || r.PostForm.Get("user_password") != i.Password {
		i.loginPage(w)
		return
	}
	id := newID()
	i.mu.Lock()
	i.sessions[id] = true
	i.mu.Unlock()
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: id, Path: "/", HttpOnly: true})
	w.Header().Set("X-Is-Logged-In", "true")
	fmt.Fprint(w, "<html><body>Welcome</body></html>")
}

// requireSession redirects to the login page when the request carries no
// live session cookie.
func (i *Instance) requireSession(w http.ResponseWriter, r *http.Request) bool {
	c, err := r.Cookie(sessionCookie)
	if err == nil {
		i.mu.Lock()
		ok := i.sessions[c.Value]
		i.mu.Unlock()
		if ok {
			return true
		}
	}
	http.Redirect(w, r, "/login.do", http.StatusFound)
	return false
}

func (i *Instance) handleElevate(w http.ResponseWriter, r *http.Request) {
	if !i.requireSession(w, r) {
		return
	}
	if r.Header.Get("X-UserToken") != UserToken {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"message":"Invalid user token"}}`)
		return
	}
	var body struct {
		Roles string `json:"roles"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	i.mu.Lock()
	status := i.elevateStatus
	i.lastRole = body.Roles
	i.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if status >= 400 {
		fmt.Fprint(w, `{"error":{"message":"User does not have the role","detail":"elevation denied"}}`)
		return
	}
	fmt.Fprintf(w, `{"result":{"roles":%q}}`, body.Roles)
}

func (i *Instance) handleScript(w http.ResponseWriter, r *http.Request) {
	if !i.requireSession(w, r) {
		return
	}
	if r.Method == http.MethodGet {
		fmt.Fprintf(w, `<html><form><input name="sysparm_ck" type="hidden" value="%s"><textarea name="script"></textarea></form></html>`, ScriptToken)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("sysparm_ck") != ScriptToken || r.PostForm.Get("runscript") != "Run script" {
		http.Error(w, "invalid token", http.StatusForbidden)
		return
	}
	script := r.PostForm.Get("script")
	i.mu.Lock()
	i.lastScript = script
	render := i.scriptHTML
	i.mu.Unlock()
	fmt.Fprint(w, render(script))
}

func (i *Instance) basicAuth(w http.ResponseWriter, r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok || user != i.User || pass != i.Password {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"User Not Authenticated","detail":"Required to provide Auth information"},"status":"failure"}`)
		return false
	}
	return true
}

func (i *Instance) handleTable(w http.ResponseWriter, r *http.Request) {
	if !i.basicAuth(w, r) {
		return
	}
	table := strings.TrimPrefix(r.URL.Path, "/api/now/table/")
	i.mu.Lock()
	records, ok := i.tables[table]
	i.mu.Unlock()
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"Invalid table `+table+`","detail":null},"status":"failure"}`)
		return
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("sysparm_offset"))
	limit, err := strconv.Atoi(r.URL.Query().Get("sysparm_limit"))
	if err != nil || limit <= 0 {
		limit = 10000
	}
	if offset > len(records) {
		offset = len(records)
	}
	end := offset + limit
	if end > len(records) {
		end = len(records)
	}
	page := records[offset:end]

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Total-Count", strconv.Itoa(len(records)))
	_ = json.NewEncoder(w).Encode(map[string]any{"result": page})
}

func (i *Instance) handleStats(w http.ResponseWriter, r *http.Request) {
	if !i.basicAuth(w, r) {
		return
	}
	table := strings.TrimPrefix(r.URL.Path, "/api/now/stats/")
	i.mu.Lock()
	records, ok := i.tables[table]
	i.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"Invalid table `+table+`"}}`)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"result":{"stats":{"count":"%d"}}}`, len(records))
}

func newID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
