package session

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

// storedCookie is the on-disk form of one cookie.
type storedCookie struct {
	Scheme   string    `json:"scheme"`
	Host     string    `json:"host"`
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain,omitempty"`
	Path     string    `json:"path,omitempty"`
	Expires  time.Time `json:"expires,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
	HttpOnly bool      `json:"http_only,omitempty"`
}

func (c storedCookie) key() string {
	return c.Host + "|" + c.Domain + "|" + c.Path + "|" + c.Name
}

// persistentJar is a cookiejar.Jar that remembers every cookie it was given
// so the set can be written to disk and replayed later. cookiejar.Jar itself
// cannot enumerate its contents.
type persistentJar struct {
	mu      sync.Mutex
	jar     *cookiejar.Jar
	cookies map[string]storedCookie
}

func newPersistentJar() *persistentJar {
	return &persistentJar{jar: newCookieJar(), cookies: map[string]storedCookie{}}
}

func newCookieJar() *cookiejar.Jar {
	// cookiejar.New only fails on invalid options.
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return jar
}

func (j *persistentJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.jar.SetCookies(u, cookies)
	now := time.Now()
	for _, c := range cookies {
		sc := storedCookie{
			Scheme:   u.Scheme,
			Host:     u.Host,
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
		}
		switch {
		case c.MaxAge > 0:
			sc.Expires = now.Add(time.Duration(c.MaxAge) * time.Second)
		case !c.Expires.IsZero():
			sc.Expires = c.Expires
		}
		if c.MaxAge < 0 || (!sc.Expires.IsZero() && sc.Expires.Before(now)) {
			delete(j.cookies, sc.key())
			continue
		}
		j.cookies[sc.key()] = sc
	}
}

func (j *persistentJar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.jar.Cookies(u)
}

// Reset drops every cookie.
func (j *persistentJar) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.jar = newCookieJar()
	j.cookies = map[string]storedCookie{}
}

// Len returns the number of live cookies.
func (j *persistentJar) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.cookies)
}

func (j *persistentJar) snapshot() []storedCookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := time.Now()
	out := make([]storedCookie, 0, len(j.cookies))
	for _, c := range j.cookies {
		if !c.Expires.IsZero() && c.Expires.Before(now) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// restore replays previously saved cookies into a fresh jar.
func (j *persistentJar) restore(cookies []storedCookie) {
	j.Reset()
	for _, c := range cookies {
		u := &url.URL{Scheme: c.Scheme, Host: c.Host, Path: "/"}
		j.SetCookies(u, []*http.Cookie{{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
		}})
	}
}
