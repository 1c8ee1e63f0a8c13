package vfs

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// OriginalProvider serves the immutable original snapshot of each session.
// The snapshot travels inside the resource identifier itself as a base64
// payload, so the provider needs no content store beyond directory
// bookkeeping — the trade is larger identifiers for one less mutable map.
type OriginalProvider struct {
	readOnly
	mu       sync.Mutex
	sessions map[string]string
}

func NewOriginalProvider() *OriginalProvider {
	return &OriginalProvider{sessions: make(map[string]string)}
}

// OriginalURI encodes the session's original content and the real file path
// (as routing information) into a redline-orig resource identifier.
func OriginalURI(sessionID, path string, content []byte) string {
	values := url.Values{}
	values.Set("path", path)
	values.Set("payload", base64.StdEncoding.EncodeToString(content))
	return fmt.Sprintf("%s://%s?%s", SchemeOriginal, url.PathEscape(sessionID), values.Encode())
}

// ParseOriginalURI recovers the session id, real path, and original content
// from a redline-orig identifier.
func ParseOriginalURI(uri string) (sessionID, path string, content []byte, err error) {
	rest, ok := strings.CutPrefix(uri, SchemeOriginal+"://")
	if !ok {
		return "", "", nil, fmt.Errorf("vfs: not a %s uri: %q", SchemeOriginal, uri)
	}
	host, query, _ := strings.Cut(rest, "?")
	sessionID, err = url.PathUnescape(host)
	if err != nil {
		return "", "", nil, err
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return "", "", nil, err
	}
	content, err = base64.StdEncoding.DecodeString(values.Get("payload"))
	if err != nil {
		return "", "", nil, err
	}
	return sessionID, values.Get("path"), content, nil
}

// IsOriginalURI reports whether uri belongs to the original scheme.
func IsOriginalURI(uri string) bool {
	return strings.HasPrefix(uri, SchemeOriginal+"://")
}

// Register records a session's resource so List can enumerate it. Content is
// not stored here.
func (p *OriginalProvider) Register(sessionID, uri string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[sessionID] = uri
}

func (p *OriginalProvider) Forget(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, sessionID)
}

// List returns the registered resource identifiers ordered by session id.
// The scheme's directory listing: a frontend mounting the provider shows one
// entry per live session.
func (p *OriginalProvider) List() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	uris := make([]string, 0, len(ids))
	for _, id := range ids {
		uris = append(uris, p.sessions[id])
	}
	return uris
}

func (p *OriginalProvider) Stat(uri string) (FileInfo, error) {
	data, err := p.ReadFile(uri)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{Size: int64(len(data)), ModTime: time.Now()}, nil
}

func (p *OriginalProvider) ReadFile(uri string) ([]byte, error) {
	_, _, content, err := ParseOriginalURI(uri)
	if err != nil {
		return nil, ErrNotFound
	}
	return content, nil
}
