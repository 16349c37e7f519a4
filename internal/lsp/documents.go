package lsp

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"
)

// fingerprint is a content hash used to decide whether a file changed since
// a cached result or open-document record was produced.
type fingerprint string

func fingerprintOf(content []byte) fingerprint {
	h := sha256.Sum256(content)
	return fingerprint(hex.EncodeToString(h[:16]))
}

// openDocument records one file the server has been told about. ready is
// closed once didOpen and the settle delay have completed; until then no
// other caller may treat the document as usable.
type openDocument struct {
	uri     string
	version int // monotonic per session
	fp      fingerprint
	opened  bool
	ready   chan struct{}
}

// docSync tracks which files are open in one session and keeps the server's
// view of their content current. The table is owned exclusively by the
// session it is bound to.
type docSync struct {
	mu       sync.Mutex
	docs     map[string]*openDocument // file path -> record
	language string
	settle   time.Duration
}

func newDocSync(language string, settle time.Duration) *docSync {
	return &docSync{
		docs:     make(map[string]*openDocument),
		language: language,
		settle:   settle,
	}
}

type textDocumentItem struct {
	URI        string `json:"uri"`
	LanguageID string `json:"languageId"`
	Version    int    `json:"version"`
	Text       string `json:"text"`
}

type textDocumentIdentifier struct {
	URI string `json:"uri"`
}

type versionedTextDocumentIdentifier struct {
	URI     string `json:"uri"`
	Version int    `json:"version"`
}

type didOpenParams struct {
	TextDocument textDocumentItem `json:"textDocument"`
}

type didChangeParams struct {
	TextDocument   versionedTextDocumentIdentifier `json:"textDocument"`
	ContentChanges []contentChange                 `json:"contentChanges"`
}

// contentChange carries a full-text replacement. Incremental diffing is not
// attempted; the whole document is always resent.
type contentChange struct {
	Text string `json:"text"`
}

type didCloseParams struct {
	TextDocument textDocumentIdentifier `json:"textDocument"`
}

// ensureOpen makes the server's copy of path match content. A new file gets
// didOpen at version 1 followed by the settle delay; a changed file gets a
// full-content didChange with a bumped version; an unchanged file is a no-op.
// It reports the content fingerprint either way.
func (d *docSync) ensureOpen(s *session, path string, content []byte) (fingerprint, error) {
	fp := fingerprintOf(content)

	for {
		d.mu.Lock()
		doc, open := d.docs[path]

		if !open {
			doc = &openDocument{uri: fileURI(path), version: 1, fp: fp, ready: make(chan struct{})}
			d.docs[path] = doc
			d.mu.Unlock()

			err := s.notify("textDocument/didOpen", didOpenParams{
				TextDocument: textDocumentItem{
					URI:        doc.uri,
					LanguageID: d.language,
					Version:    1,
					Text:       string(content),
				},
			})
			if err != nil {
				d.mu.Lock()
				delete(d.docs, path)
				d.mu.Unlock()
				close(doc.ready)
				return "", err
			}

			// The server gives no reliable indexing-complete signal; a fixed
			// settle delay approximates readiness for the first request.
			if d.settle > 0 {
				slog.Debug("settle delay after didOpen", "path", path, "delay", d.settle)
				time.Sleep(d.settle)
			}
			d.mu.Lock()
			doc.opened = true
			d.mu.Unlock()
			close(doc.ready)
			return fp, nil
		}

		if !doc.opened {
			// Another caller is still sending didOpen for this file. Wait,
			// then re-read the table: the open may have failed and the record
			// been removed.
			ready := doc.ready
			d.mu.Unlock()
			<-ready
			continue
		}

		if doc.fp == fp {
			d.mu.Unlock()
			return fp, nil
		}

		doc.version++
		doc.fp = fp
		version := doc.version
		uri := doc.uri
		d.mu.Unlock()

		err := s.notify("textDocument/didChange", didChangeParams{
			TextDocument:   versionedTextDocumentIdentifier{URI: uri, Version: version},
			ContentChanges: []contentChange{{Text: string(content)}},
		})
		return fp, err
	}
}

// close sends didClose and forgets the file.
func (d *docSync) close(s *session, path string) error {
	d.mu.Lock()
	doc, open := d.docs[path]
	if !open {
		d.mu.Unlock()
		return ErrDocumentNotOpen
	}
	delete(d.docs, path)
	d.mu.Unlock()

	return s.notify("textDocument/didClose", didCloseParams{
		TextDocument: textDocumentIdentifier{URI: doc.uri},
	})
}

// forget drops a record without notifying, used at session teardown.
func (d *docSync) forget(path string) {
	d.mu.Lock()
	delete(d.docs, path)
	d.mu.Unlock()
}

// isOpen reports whether path is in the open table.
func (d *docSync) isOpen(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.docs[path]
	return ok
}

// openCount reports how many files the session has open.
func (d *docSync) openCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.docs)
}

// fileURI converts an absolute path to a file:// URI.
func fileURI(path string) string {
	return "file://" + path
}
