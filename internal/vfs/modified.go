package vfs

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ModifiedProvider serves versioned "proposed" snapshots for views that need
// readable backing storage while content streams in. Every SetForFile call
// appends a new (session, version) entry instead of mutating one buffer, so
// a read that races a transition still sees a consistent snapshot.
type ModifiedProvider struct {
	readOnly
	mu          sync.Mutex
	entries     map[string]map[int][]byte
	subscribers map[int]func(uri string)
	nextSub     int
}

func NewModifiedProvider() *ModifiedProvider {
	return &ModifiedProvider{
		entries:     make(map[string]map[int][]byte),
		subscribers: make(map[int]func(string)),
	}
}

// ModifiedURI names the (session, version) snapshot of a target path.
func ModifiedURI(sessionID, path string, version int) string {
	values := url.Values{}
	values.Set("path", path)
	return fmt.Sprintf("%s://%s/%d?%s", SchemeModified, url.PathEscape(sessionID), version, values.Encode())
}

// ParseModifiedURI recovers the session id and version from a redline-mod
// identifier.
func ParseModifiedURI(uri string) (sessionID string, version int, err error) {
	rest, ok := strings.CutPrefix(uri, SchemeModified+"://")
	if !ok {
		return "", 0, fmt.Errorf("vfs: not a %s uri: %q", SchemeModified, uri)
	}
	hostPath, _, _ := strings.Cut(rest, "?")
	host, versionPart, ok := strings.Cut(hostPath, "/")
	if !ok {
		return "", 0, fmt.Errorf("vfs: missing version in %q", uri)
	}
	sessionID, err = url.PathUnescape(host)
	if err != nil {
		return "", 0, err
	}
	version, err = strconv.Atoi(versionPart)
	if err != nil {
		return "", 0, fmt.Errorf("vfs: bad version in %q: %w", uri, err)
	}
	return sessionID, version, nil
}

// SetForFile stores content under (sessionID, version) and notifies
// subscribers so any view bound to the resource refreshes.
func (p *ModifiedProvider) SetForFile(sessionID, path string, content []byte, version int) string {
	stored := make([]byte, len(content))
	copy(stored, content)
	p.mu.Lock()
	versions := p.entries[sessionID]
	if versions == nil {
		versions = make(map[int][]byte)
		p.entries[sessionID] = versions
	}
	versions[version] = stored
	subs := make([]func(string), 0, len(p.subscribers))
	for _, fn := range p.subscribers {
		subs = append(subs, fn)
	}
	p.mu.Unlock()

	uri := ModifiedURI(sessionID, path, version)
	for _, fn := range subs {
		fn(uri)
	}
	return uri
}

// Subscribe registers a change listener and returns its unsubscribe handle.
func (p *ModifiedProvider) Subscribe(fn func(uri string)) func() {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subscribers[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.subscribers, id)
		p.mu.Unlock()
	}
}

// Forget drops every stored version for a session.
func (p *ModifiedProvider) Forget(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, sessionID)
}

func (p *ModifiedProvider) Stat(uri string) (FileInfo, error) {
	data, err := p.ReadFile(uri)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{Size: int64(len(data)), ModTime: time.Now()}, nil
}

func (p *ModifiedProvider) ReadFile(uri string) ([]byte, error) {
	sessionID, version, err := ParseModifiedURI(uri)
	if err != nil {
		return nil, ErrNotFound
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	versions, ok := p.entries[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	data, ok := versions[version]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
